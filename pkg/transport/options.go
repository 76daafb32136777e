package transport

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDialTimeout = 2 * time.Second
	defaultQueueSize   = 64
)

// Options configure an endpoint. The zero value is usable.
type Options struct {
	// TLSConfig carries the node certificate. Listening on tls+tcp requires it;
	// dialing tls+tcp works without it.
	TLSConfig *tls.Config
	// DialTimeout bounds connection setup, send backpressure and relay
	// discovery on a shared broadcast address.
	DialTimeout time.Duration
	// QueueSize is the per-subscriber backlog a publisher keeps before it
	// starts dropping frames for that subscriber.
	QueueSize int
	Logger    *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
