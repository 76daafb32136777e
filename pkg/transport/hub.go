package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	"go.uber.org/zap"
)

// advertPrefix marks the hub's ingest advertisement on the broadcast channel.
// Subscribers skip these messages.
var advertPrefix = []byte("\x00relay|")

// hub owns a bound broadcast address. Besides the PUB socket subscribers dial,
// it listens on an ingest PULL socket that relays push their messages into;
// the ingest address is re-advertised whenever a subscriber attaches.
type hub struct {
	pub    mangos.Socket
	ingest mangos.Socket
	advert []byte
	log    *zap.Logger

	wg sync.WaitGroup
}

func newHub(addr Address, opts Options) (*hub, error) {
	ingest, err := configure(pull.NewSocket())
	if err != nil {
		return nil, err
	}
	ingestAddr, err := ingestAddress(addr)
	if err != nil {
		ingest.Close()
		return nil, err
	}
	bound, err := listen(ingest, ingestAddr, opts)
	if err != nil {
		ingest.Close()
		return nil, err
	}
	ref, err := ingestRef(addr, bound)
	if err != nil {
		ingest.Close()
		return nil, err
	}

	ps, err := configure(pub.NewSocket())
	if err != nil {
		ingest.Close()
		return nil, err
	}
	// best effort: the per-subscriber backlog before pub starts dropping
	if err := ps.SetOption(mangos.OptionWriteQLen, opts.QueueSize); err != nil {
		opts.Logger.Debug("pub queue length not applied", zap.Error(err))
	}

	h := &hub{
		pub:    ps,
		ingest: ingest,
		advert: append(bytes.Clone(advertPrefix), ref...),
		log:    opts.Logger,
	}
	ps.SetPipeEventHook(func(ev mangos.PipeEvent, _ mangos.Pipe) {
		if ev == mangos.PipeEventAttached {
			go h.advertise()
		}
	})
	if _, err := listen(ps, addr, opts); err != nil {
		ps.Close()
		ingest.Close()
		return nil, err
	}

	h.wg.Add(1)
	go h.forward()
	return h, nil
}

func (h *hub) advertise() {
	if err := h.pub.Send(h.advert); err != nil && !errors.Is(err, mangos.ErrClosed) {
		h.log.Debug("relay advertisement failed", zap.Error(err))
	}
}

// forward republishes everything relays push into the hub.
func (h *hub) forward() {
	defer h.wg.Done()
	for {
		msg, err := h.ingest.Recv()
		if err != nil {
			return
		}
		if err := h.pub.Send(msg); err != nil {
			return
		}
	}
}

func (h *hub) close() {
	h.ingest.Close()
	h.pub.Close()
	h.wg.Wait()
}

// relay is a publisher that pushes into another process's hub.
type relay struct {
	push mangos.Socket
	lost atomic.Bool
}

// joinHub learns the hub's ingest address from its advertisement and connects
// a PUSH socket to it.
func joinHub(addr Address, opts Options) (*relay, error) {
	target, err := discoverIngest(addr, opts)
	if err != nil {
		return nil, err
	}

	ps, err := configure(push.NewSocket())
	if err != nil {
		return nil, err
	}
	if err := ps.SetOption(mangos.OptionSendDeadline, opts.DialTimeout); err != nil {
		ps.Close()
		return nil, classify(err)
	}
	r := &relay{push: ps}
	ps.SetPipeEventHook(func(ev mangos.PipeEvent, _ mangos.Pipe) {
		if ev == mangos.PipeEventDetached {
			r.lost.Store(true)
		}
	})
	if err := dial(context.Background(), ps, target, opts); err != nil {
		ps.Close()
		return nil, fmt.Errorf("join hub: %w", err)
	}
	return r, nil
}

func (r *relay) close() {
	r.push.Close()
}

func discoverIngest(addr Address, opts Options) (Address, error) {
	s, err := configure(sub.NewSocket())
	if err != nil {
		return Address{}, err
	}
	defer s.Close()
	if err := s.SetOption(mangos.OptionSubscribe, advertPrefix); err != nil {
		return Address{}, classify(err)
	}
	if err := dial(context.Background(), s, addr, opts); err != nil {
		return Address{}, fmt.Errorf("join hub: %w", err)
	}
	msg, err := recv(s, opts.DialTimeout)
	if err != nil {
		return Address{}, fmt.Errorf("join hub: no relay advertisement: %w", err)
	}
	return resolveIngest(addr, string(bytes.TrimPrefix(msg, advertPrefix)))
}

// ingestAddress is where a hub for addr listens for relays: a sibling inproc
// name, or an ephemeral port on the broadcast host.
func ingestAddress(addr Address) (Address, error) {
	if addr.Scheme == SchemeInproc {
		return Address{Scheme: SchemeInproc, Host: addr.Host + "#relay"}, nil
	}
	host, _, err := net.SplitHostPort(addr.Host)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return Address{Scheme: addr.Scheme, Host: net.JoinHostPort(host, "0")}, nil
}

// ingestRef is the advertised form of a bound ingest listener: the inproc
// name, or just the tcp port.
func ingestRef(addr Address, bound string) (string, error) {
	_, rest, _ := strings.Cut(bound, "://")
	if addr.Scheme == SchemeInproc {
		return rest, nil
	}
	_, port, err := net.SplitHostPort(rest)
	if err != nil {
		return "", fmt.Errorf("ingest listener address %q: %w", bound, err)
	}
	if port == "0" {
		return "", fmt.Errorf("ingest listener %q reported no port", bound)
	}
	return port, nil
}

func resolveIngest(addr Address, ref string) (Address, error) {
	if addr.Scheme == SchemeInproc {
		return Address{Scheme: SchemeInproc, Host: ref}, nil
	}
	host, _, err := net.SplitHostPort(addr.Host)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return ParseAddress(string(addr.Scheme) + "://" + net.JoinHostPort(host, ref))
}
