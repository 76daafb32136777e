package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.nanomsg.org/mangos/v3"

	// registers the tcp://, tls+tcp:// and inproc:// schemes
	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
	_ "go.nanomsg.org/mangos/v3/transport/tlstcp"
)

const (
	reconnectMin = 100 * time.Millisecond
	reconnectMax = 5 * time.Second
)

// configure applies the options every socket shares. It closes sock on error.
func configure(sock mangos.Socket, err error) (mangos.Socket, error) {
	if err != nil {
		return nil, err
	}
	for name, v := range map[string]interface{}{
		mangos.OptionMaxRecvSize:      MaxFrameSize + 1, // room for the request terminator
		mangos.OptionReconnectTime:    reconnectMin,
		mangos.OptionMaxReconnectTime: reconnectMax,
	} {
		if err := sock.SetOption(name, v); err != nil {
			sock.Close()
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return sock, nil
}

func listenOptions(addr Address, opts Options) (map[string]interface{}, error) {
	if addr.Scheme != SchemeTLS {
		return nil, nil
	}
	if opts.TLSConfig == nil || len(opts.TLSConfig.Certificates) == 0 {
		return nil, ErrTLSRequired
	}
	return map[string]interface{}{mangos.OptionTLSConfig: opts.TLSConfig}, nil
}

func dialOptions(addr Address, opts Options) map[string]interface{} {
	m := map[string]interface{}{mangos.OptionDialAsynch: false}
	if addr.Scheme == SchemeTLS {
		m[mangos.OptionTLSConfig] = clientTLSConfig(opts.TLSConfig)
	}
	return m
}

// listen binds sock to addr and returns the address the listener ended up on,
// which differs from addr only for a tcp port of 0.
func listen(sock mangos.Socket, addr Address, opts Options) (string, error) {
	lopts, err := listenOptions(addr, opts)
	if err != nil {
		return "", err
	}
	l, err := sock.NewListener(addr.String(), lopts)
	if err != nil {
		return "", classify(err)
	}
	if err := l.Listen(); err != nil {
		return "", classify(err)
	}
	bound := l.Address()
	if addr.Scheme != SchemeInproc && strings.HasSuffix(bound, ":0") {
		if v, err := l.GetOption(mangos.OptionBoundPort); err == nil {
			if port, ok := v.(int); ok {
				bound = strings.TrimSuffix(bound, "0") + strconv.Itoa(port)
			}
		}
	}
	return bound, nil
}

// dial connects sock to addr. The first attempt is synchronous and bounded by
// ctx and opts.DialTimeout; after it succeeds the socket reconnects on its own.
// When ctx ends first sock is closed, which abandons the attempt.
func dial(ctx context.Context, sock mangos.Socket, addr Address, opts Options) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: dial: %w", ErrClosed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sock.DialOptions(addr.String(), dialOptions(addr, opts))
	}()
	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		sock.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: dial: %w", ErrTimeout, ctx.Err())
		}
		return fmt.Errorf("%w: dial: %w", ErrClosed, ctx.Err())
	}
}

// recv waits up to timeout for the next message. A zero timeout waits until
// the socket is closed.
func recv(sock mangos.Socket, timeout time.Duration) ([]byte, error) {
	if err := sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return nil, classify(err)
	}
	msg, err := sock.Recv()
	return msg, classify(err)
}

// classify maps mangos and socket level failures onto the package sentinels,
// keeping the cause in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mangos.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, mangos.ErrRecvTimeout), errors.Is(err, mangos.ErrSendTimeout):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, mangos.ErrAddrInUse), errors.Is(err, syscall.EADDRINUSE):
		return fmt.Errorf("%w: %w", ErrAddrInUse, err)
	case errors.Is(err, mangos.ErrConnRefused), errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrConnRefused, err)
	case errors.Is(err, mangos.ErrProtoState):
		return fmt.Errorf("%w: %w", ErrNoRequest, err)
	case errors.Is(err, mangos.ErrTooLong):
		return fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
	}
	return err
}
