package transport

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("endpoint closed")
	ErrTimeout        = errors.New("timed out")
	ErrInvalidAddress = errors.New("invalid address")
	ErrAddrInUse      = errors.New("address already in use")
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrTLSRequired    = errors.New("tls+tcp listener needs a certificate")
	ErrNoRequest      = errors.New("no pending request to reply to")
	ErrConnRefused    = errors.New("connection refused")
)

// Error records the endpoint operation and address that failed.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Addr: addr, Err: err}
}
