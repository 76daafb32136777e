package transport

import (
	"context"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
)

// Puller is the fan-in end of a push/pull pipeline.
type Puller struct {
	addr Address
	sock mangos.Socket

	closeOnce sync.Once
}

func ListenPuller(raw string, opts Options) (*Puller, error) {
	opts = opts.withDefaults()
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, opError("listen", raw, err)
	}
	sock, err := configure(pull.NewSocket())
	if err != nil {
		return nil, opError("listen", raw, err)
	}
	if _, err := listen(sock, addr, opts); err != nil {
		sock.Close()
		return nil, opError("listen", raw, err)
	}
	return &Puller{addr: addr, sock: sock}, nil
}

func (p *Puller) Addr() string { return p.addr.String() }

func (p *Puller) Recv(timeout time.Duration) ([]byte, error) {
	if p == nil || p.sock == nil {
		return nil, opError("recv", "", ErrClosed)
	}
	msg, err := recv(p.sock, timeout)
	if err != nil {
		return nil, opError("recv", p.addr.String(), err)
	}
	return msg, nil
}

func (p *Puller) Close() error {
	if p == nil || p.sock == nil {
		return nil
	}
	p.closeOnce.Do(func() { p.sock.Close() })
	return nil
}

// Pusher streams messages to a puller. Send waits up to the dial timeout for
// a connected puller.
type Pusher struct {
	addr Address
	sock mangos.Socket

	closeOnce sync.Once
}

func DialPusher(raw string, opts Options) (*Pusher, error) {
	opts = opts.withDefaults()
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, opError("dial", raw, err)
	}
	sock, err := configure(push.NewSocket())
	if err != nil {
		return nil, opError("dial", raw, err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, opts.DialTimeout); err != nil {
		sock.Close()
		return nil, opError("dial", raw, classify(err))
	}
	if err := dial(context.Background(), sock, addr, opts); err != nil {
		sock.Close()
		return nil, opError("dial", raw, err)
	}
	return &Pusher{addr: addr, sock: sock}, nil
}

func (p *Pusher) Addr() string { return p.addr.String() }

func (p *Pusher) Send(msg []byte) error {
	if p == nil || p.sock == nil {
		return opError("send", "", ErrClosed)
	}
	if len(msg) > MaxFrameSize {
		return opError("send", p.addr.String(), ErrFrameTooLarge)
	}
	return opError("send", p.addr.String(), classify(p.sock.Send(msg)))
}

func (p *Pusher) Close() error {
	if p == nil || p.sock == nil {
		return nil
	}
	p.closeOnce.Do(func() { p.sock.Close() })
	return nil
}
