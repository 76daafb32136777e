package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	"go.uber.org/zap"
)

// Publisher fans messages out to every subscriber of a broadcast address.
//
// The first publisher to open an address binds it and acts as the hub. A
// publisher that finds the address taken joins that hub as a relay instead,
// so any number of nodes can share one broadcast address. Send never waits on
// slow subscribers.
type Publisher struct {
	addr Address
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	hub    *hub
	relay  *relay
	closed bool
}

// ListenPublisher binds addr, or joins the hub already bound there.
func ListenPublisher(raw string, opts Options) (*Publisher, error) {
	opts = opts.withDefaults()
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, opError("listen", raw, err)
	}
	p := &Publisher{addr: addr, opts: opts, log: opts.Logger}
	if err := p.attachLocked(); err != nil {
		return nil, opError("listen", raw, err)
	}
	return p, nil
}

func (p *Publisher) Addr() string { return p.addr.String() }

// IsHub reports whether this publisher owns the bound broadcast address.
func (p *Publisher) IsHub() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hub != nil
}

func (p *Publisher) attachLocked() error {
	h, err := newHub(p.addr, p.opts)
	if err == nil {
		p.hub = h
		p.log.Debug("publisher hosting broadcast hub", zap.Stringer("addr", p.addr))
		return nil
	}
	if !errors.Is(err, ErrAddrInUse) {
		return err
	}

	r, err := joinHub(p.addr, p.opts)
	if err != nil {
		return err
	}
	p.relay = r
	p.log.Debug("publisher relaying through existing hub", zap.Stringer("addr", p.addr))
	return nil
}

// Send publishes msg. Messages that cannot be delivered are dropped.
func (p *Publisher) Send(msg []byte) error {
	if p == nil {
		return opError("send", "", ErrClosed)
	}
	if len(msg) > MaxFrameSize {
		return opError("send", p.addr.String(), ErrFrameTooLarge)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return opError("send", p.addr.String(), ErrClosed)
	}

	if p.relay != nil && p.relay.lost.Load() {
		p.log.Warn("lost broadcast hub, reattaching", zap.Stringer("addr", p.addr))
		p.relay.close()
		p.relay = nil
	}
	if p.hub == nil && p.relay == nil {
		if err := p.attachLocked(); err != nil {
			return opError("send", p.addr.String(), err)
		}
	}

	if p.hub != nil {
		return opError("send", p.addr.String(), classify(p.hub.pub.Send(msg)))
	}
	if err := p.relay.push.Send(msg); err != nil {
		p.relay.lost.Store(true)
		return opError("send", p.addr.String(), classify(err))
	}
	return nil
}

// Close releases the hub sockets or the relay connection. It is idempotent.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.hub != nil {
		p.hub.close()
		p.hub = nil
	}
	if p.relay != nil {
		p.relay.close()
		p.relay = nil
	}
	return nil
}

// Subscriber receives messages published on a broadcast address whose payload
// starts with its topic. An empty topic matches everything. A dropped
// connection is re-dialed in the background, backing off up to five seconds.
type Subscriber struct {
	addr Address
	sock mangos.Socket

	closeOnce sync.Once
}

// DialSubscriber connects to the hub at addr. The initial dial fails fast.
func DialSubscriber(raw, topic string, opts Options) (*Subscriber, error) {
	opts = opts.withDefaults()
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, opError("dial", raw, err)
	}
	sock, err := configure(sub.NewSocket())
	if err != nil {
		return nil, opError("dial", raw, err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte(topic)); err != nil {
		sock.Close()
		return nil, opError("dial", raw, classify(err))
	}
	if err := dial(context.Background(), sock, addr, opts); err != nil {
		sock.Close()
		return nil, opError("dial", raw, err)
	}
	return &Subscriber{addr: addr, sock: sock}, nil
}

func (s *Subscriber) Addr() string { return s.addr.String() }

// Recv returns the next matching message. A zero timeout waits until Close.
func (s *Subscriber) Recv(timeout time.Duration) ([]byte, error) {
	if s == nil || s.sock == nil {
		return nil, opError("recv", "", ErrClosed)
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := timeout
		if !deadline.IsZero() {
			if wait = time.Until(deadline); wait <= 0 {
				return nil, opError("recv", s.addr.String(), ErrTimeout)
			}
		}
		msg, err := recv(s.sock, wait)
		if err != nil {
			return nil, opError("recv", s.addr.String(), err)
		}
		if !bytes.HasPrefix(msg, advertPrefix) {
			return msg, nil
		}
	}
}

// Close disconnects and unblocks a pending Recv. It is idempotent.
func (s *Subscriber) Close() error {
	if s == nil || s.sock == nil {
		return nil
	}
	s.closeOnce.Do(func() { s.sock.Close() })
	return nil
}
