package transport

import (
	"context"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"
	"go.uber.org/zap"
)

// Responder is the reply side of request/reply. Requests from every connected
// requester are served one at a time; Send answers the request most recently
// returned by Recv.
type Responder struct {
	addr Address
	sock mangos.Socket

	closeOnce sync.Once
}

// ListenResponder binds addr. It fails when the address is malformed or bound.
func ListenResponder(raw string, opts Options) (*Responder, error) {
	opts = opts.withDefaults()
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, opError("listen", raw, err)
	}
	sock, err := configure(rep.NewSocket())
	if err != nil {
		return nil, opError("listen", raw, err)
	}
	if _, err := listen(sock, addr, opts); err != nil {
		sock.Close()
		return nil, opError("listen", raw, err)
	}
	opts.Logger.Debug("responder listening", zap.Stringer("addr", addr))
	return &Responder{addr: addr, sock: sock}, nil
}

func (r *Responder) Addr() string { return r.addr.String() }

// Recv blocks for the next request. A zero timeout waits until Close.
func (r *Responder) Recv(timeout time.Duration) ([]byte, error) {
	if r == nil || r.sock == nil {
		return nil, opError("recv", "", ErrClosed)
	}
	p, err := recv(r.sock, timeout)
	if err != nil {
		return nil, opError("recv", r.addr.String(), err)
	}
	return trimTerminator(p), nil
}

// Send replies to the request last returned by Recv.
func (r *Responder) Send(reply []byte) error {
	if r == nil || r.sock == nil {
		return opError("send", "", ErrClosed)
	}
	return opError("send", r.addr.String(), classify(r.sock.Send(terminate(reply))))
}

// Close releases the listener and every accepted connection. It is idempotent.
func (r *Responder) Close() error {
	if r == nil || r.sock == nil {
		return nil
	}
	r.closeOnce.Do(func() { r.sock.Close() })
	return nil
}

// Requester is the request side of request/reply, bound to one responder.
// A reply that arrives after its request timed out is discarded, never
// handed to a later Recv.
type Requester struct {
	addr Address
	opts Options
	sock mangos.Socket

	closeOnce sync.Once
}

// DialRequester connects to a responder. The first connection attempt must
// succeed; later drops are reconnected in the background.
func DialRequester(raw string, opts Options) (*Requester, error) {
	return DialRequesterContext(context.Background(), raw, opts)
}

// DialRequesterContext is DialRequester with the connection attempt bounded by ctx.
func DialRequesterContext(ctx context.Context, raw string, opts Options) (*Requester, error) {
	opts = opts.withDefaults()
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, opError("dial", raw, err)
	}
	sock, err := configure(req.NewSocket())
	if err != nil {
		return nil, opError("dial", raw, err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, opts.DialTimeout); err != nil {
		sock.Close()
		return nil, opError("dial", raw, classify(err))
	}
	if err := dial(ctx, sock, addr, opts); err != nil {
		sock.Close()
		return nil, opError("dial", raw, err)
	}
	return &Requester{addr: addr, opts: opts, sock: sock}, nil
}

func (r *Requester) Addr() string { return r.addr.String() }

func (r *Requester) Send(p []byte) error {
	if r == nil || r.sock == nil {
		return opError("send", "", ErrClosed)
	}
	if len(p) > MaxFrameSize {
		return opError("send", r.addr.String(), ErrFrameTooLarge)
	}
	return opError("send", r.addr.String(), classify(r.sock.Send(terminate(p))))
}

// Recv waits for the reply. A zero timeout waits until Close.
func (r *Requester) Recv(timeout time.Duration) ([]byte, error) {
	if r == nil || r.sock == nil {
		return nil, opError("recv", "", ErrClosed)
	}
	p, err := recv(r.sock, timeout)
	if err != nil {
		return nil, opError("recv", r.addr.String(), err)
	}
	return trimTerminator(p), nil
}

// Request sends p and waits up to timeout for the reply.
func (r *Requester) Request(p []byte, timeout time.Duration) ([]byte, error) {
	if err := r.Send(p); err != nil {
		return nil, err
	}
	return r.Recv(timeout)
}

func (r *Requester) Close() error {
	if r == nil || r.sock == nil {
		return nil
	}
	r.closeOnce.Do(func() { r.sock.Close() })
	return nil
}
