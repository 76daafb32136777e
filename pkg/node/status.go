package node

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

const maxParallelQueries = 16

// LocalStatus is the node's own status, computed fresh on every call.
func (n *Node) LocalStatus() gossip.NodeStatus {
	return gossip.NodeStatus{
		ID:      n.id.ID,
		Address: n.id.ListenAddress,
		Uptime:  int64(time.Since(n.started) / time.Second),
		Info:    n.cfg.HealthInfo,
	}
}

// KnownNodes lists the addresses in the membership table, sorted.
func (n *Node) KnownNodes() []string {
	return n.members.Addresses()
}

// Peers returns a copy of the membership table, sorted by address.
func (n *Node) Peers() []gossip.NodeStatus {
	return n.members.Snapshot()
}

// QueryAllStatus asks every known peer for its status. The result starts with
// the local status, followed by one entry per peer that answered with a valid
// reply, in table order. Peers that fail or time out are left out.
func (n *Node) QueryAllStatus(ctx context.Context) []gossip.NodeStatus {
	peers := n.members.Addresses()
	replies := make([]*gossip.NodeStatus, len(peers))

	var g errgroup.Group
	g.SetLimit(maxParallelQueries)
	for i, addr := range peers {
		g.Go(func() error {
			s, err := n.queryStatus(ctx, addr)
			if err != nil {
				n.log.Debug("status query failed", zap.String("peer", addr), zap.Error(err))
				return nil
			}
			replies[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	out := make([]gossip.NodeStatus, 0, len(peers)+1)
	out = append(out, n.LocalStatus())
	for _, s := range replies {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// queryStatus sends one STATUS request to address over a fresh connection.
// The wait is bounded by RequestTimeout and by ctx.
func (n *Node) queryStatus(ctx context.Context, address string) (gossip.NodeStatus, error) {
	if err := ctx.Err(); err != nil {
		return gossip.NodeStatus{}, err
	}
	req, err := transport.DialRequesterContext(ctx, address, n.transportOptions())
	if err != nil {
		return gossip.NodeStatus{}, err
	}
	defer req.Close()
	stop := context.AfterFunc(ctx, func() { req.Close() })
	defer stop()

	timeout := n.cfg.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return gossip.NodeStatus{}, context.DeadlineExceeded
	}

	reply, err := req.Request(gossip.EncodeQuery(), timeout)
	if err != nil {
		return gossip.NodeStatus{}, err
	}
	return gossip.DecodeReply(reply)
}
