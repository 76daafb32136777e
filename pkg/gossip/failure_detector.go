package gossip

import "context"

// Prober checks whether the node listening at address still answers. Any
// error counts as unreachable.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, address string) error

func (f ProberFunc) Probe(ctx context.Context, address string) error { return f(ctx, address) }

// Sweep probes every member once and removes the ones that fail. A member
// that answers is left exactly as it was: probes confirm liveness, only
// broadcasts refresh status. The list is not locked while probing. Sweep stops
// early, without evicting, once ctx is done.
func Sweep(ctx context.Context, members *MemberList, p Prober) (evicted []string) {
	for _, addr := range members.Addresses() {
		if ctx.Err() != nil {
			return evicted
		}
		if err := p.Probe(ctx, addr); err != nil {
			if ctx.Err() != nil {
				return evicted
			}
			if members.Remove(addr) {
				evicted = append(evicted, addr)
			}
		}
	}
	return evicted
}
