package node

import (
	"errors"
	"fmt"
)

var (
	// ErrBind matches a StartError for an endpoint that could not be bound.
	ErrBind = errors.New("bind failed")
	// ErrDial matches a StartError for an endpoint that could not connect.
	ErrDial = errors.New("dial failed")

	ErrHTTPRunning = errors.New("http server already running")
)

// Step names the endpoint Start was opening when it failed.
type Step string

const (
	StepResponder  Step = "responder"
	StepPublisher  Step = "publisher"
	StepSubscriber Step = "subscriber"
)

// ConfigError rejects a Config in New. The node is never created.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid node config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StartError reports the endpoint that stopped Start. Everything opened before
// it has been closed again and the node is Stopped.
type StartError struct {
	Step    Step
	Address string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s on %s: %v", e.Step, e.Address, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool {
	switch target {
	case ErrBind:
		return e.Step == StepResponder || e.Step == StepPublisher
	case ErrDial:
		return e.Step == StepSubscriber
	}
	return false
}
