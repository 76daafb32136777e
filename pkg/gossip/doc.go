// Package gossip holds the membership state of a zephyrmesh node and the wire
// format nodes use to talk about it.
//
// Nodes broadcast their status on a shared publish/subscribe address and
// answer STATUS queries on a request/reply address. Every node keeps a
// MemberList keyed by peer listen address: broadcasts insert and replace
// entries, and a periodic Sweep re-probes each entry and evicts the ones that
// no longer answer. There are no versions, clocks or reconciliation; the view
// is best effort and may be stale.
//
// Typical usage:
//
//	members := gossip.NewMemberList("tcp://127.0.0.1:5555")
//	if msg, err := gossip.Decode(frame); err == nil {
//	    members.Upsert(msg.Status)
//	}
//	evicted := gossip.Sweep(ctx, members, prober)
package gossip
