package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

// serveQueries answers every request on the listen address. STATUS gets the
// local status; anything else gets an empty reply so the caller is not left
// waiting.
func (n *Node) serveQueries(rep *transport.Responder) {
	defer n.wg.Done()
	for {
		req, err := rep.Recv(n.cfg.RecvTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			if !errors.Is(err, transport.ErrTimeout) {
				n.log.Warn("query receive failed", zap.Error(err))
			}
			continue
		}

		var reply []byte
		if gossip.IsQuery(req) {
			reply = gossip.EncodeReply(n.LocalStatus())
			telemetry.QueriesServed.WithLabelValues(n.id.ID, "status").Inc()
		} else {
			n.log.Debug("unknown query", zap.ByteString("request", req))
			telemetry.QueriesServed.WithLabelValues(n.id.ID, "unknown").Inc()
		}

		if err := rep.Send(reply); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			n.log.Warn("query reply failed", zap.Error(err))
		}
	}
}

// broadcast announces the node once, then publishes its status every
// BroadcastInterval until ctx is cancelled.
func (n *Node) broadcast(ctx context.Context, pub *transport.Publisher) {
	defer n.wg.Done()
	n.publish(pub, gossip.EncodeAnnounce(n.id.ID, n.id.ListenAddress))

	ticker := time.NewTicker(n.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		n.publish(pub, gossip.EncodeStatus(n.LocalStatus()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) publish(pub *transport.Publisher, msg []byte) {
	if err := pub.Send(msg); err != nil {
		telemetry.GossipPublished.WithLabelValues(n.id.ID, "failed").Inc()
		if !errors.Is(err, transport.ErrClosed) {
			n.log.Warn("broadcast failed", zap.Error(err))
		}
		return
	}
	telemetry.GossipPublished.WithLabelValues(n.id.ID, "ok").Inc()
}

// subscribe feeds every broadcast frame into the membership table.
func (n *Node) subscribe(sub *transport.Subscriber) {
	defer n.wg.Done()
	for {
		frame, err := sub.Recv(n.cfg.RecvTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			if !errors.Is(err, transport.ErrTimeout) {
				n.log.Warn("gossip receive failed", zap.Error(err))
			}
			continue
		}
		n.handleGossip(frame)
	}
}

func (n *Node) handleGossip(frame []byte) {
	msg, err := gossip.Decode(frame)
	if err != nil {
		n.log.Debug("dropping gossip", zap.Error(err))
		telemetry.GossipReceived.WithLabelValues(n.id.ID, "malformed").Inc()
		return
	}

	s := msg.Status
	switch msg.Kind {
	case gossip.KindNode:
		if s.ID == n.id.ID || s.Address == n.id.ListenAddress {
			telemetry.GossipReceived.WithLabelValues(n.id.ID, "self").Inc()
			return
		}
		n.members.Upsert(gossip.NodeStatus{ID: s.ID, Address: s.Address, Info: gossip.InfoDiscovered})
		telemetry.GossipReceived.WithLabelValues(n.id.ID, "node").Inc()
	case gossip.KindStatus:
		if s.Address == n.id.ListenAddress {
			telemetry.GossipReceived.WithLabelValues(n.id.ID, "self").Inc()
			return
		}
		n.members.Upsert(s)
		telemetry.GossipReceived.WithLabelValues(n.id.ID, "status").Inc()
		n.notify(s)
	}
	telemetry.PeersKnown.WithLabelValues(n.id.ID).Set(float64(n.members.Len()))
}

func (n *Node) notify(s gossip.NodeStatus) {
	n.cbMu.Lock()
	fn := n.onStatus
	n.cbMu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("status callback panicked", zap.Any("panic", r))
		}
	}()
	fn(s)
}

// reap probes every known peer each ReapInterval and evicts the ones that do
// not answer.
func (n *Node) reap(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, addr := range gossip.Sweep(ctx, n.members, gossip.ProberFunc(n.probe)) {
			n.log.Info("evicted unreachable peer", zap.String("peer", addr))
			telemetry.EvictionsTotal.WithLabelValues(n.id.ID).Inc()
		}
		telemetry.PeersKnown.WithLabelValues(n.id.ID).Set(float64(n.members.Len()))
	}
}

func (n *Node) probe(ctx context.Context, address string) error {
	_, err := n.queryStatus(ctx, address)
	if err != nil {
		telemetry.ProbesTotal.WithLabelValues(n.id.ID, "failed").Inc()
		n.log.Debug("probe failed", zap.String("peer", address), zap.Error(err))
		return err
	}
	telemetry.ProbesTotal.WithLabelValues(n.id.ID, "ok").Inc()
	return nil
}
