package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

const (
	DefaultBroadcastInterval = 5 * time.Second
	DefaultReapInterval      = 10 * time.Second
	DefaultRequestTimeout    = 2 * time.Second
	DefaultHealthInfo        = "healthy"
)

// Config holds the construction parameters of a Node. Zero durations take the
// defaults above; RecvTimeout of zero means role receives block until Stop.
type Config struct {
	ID               string
	ListenAddress    string // request/reply URL, e.g. tcp://127.0.0.1:5555
	BroadcastAddress string // publish/subscribe URL shared by the cluster
	CertFile         string
	KeyFile          string

	BroadcastInterval time.Duration
	ReapInterval      time.Duration
	RequestTimeout    time.Duration
	RecvTimeout       time.Duration
	HealthInfo        string
}

// Identity is fixed for the life of a Node.
type Identity struct {
	ID               string
	ListenAddress    string
	BroadcastAddress string
	CertFile         string
	KeyFile          string
}

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Node is one member of the mesh. It answers status queries, broadcasts its
// own status, tracks peers from their broadcasts and evicts peers that stop
// answering.
type Node struct {
	id      Identity
	cfg     Config
	log     *zap.Logger
	tls     *tls.Config
	members *gossip.MemberList
	started time.Time

	// mu serialises Start and Stop; state is readable without it.
	mu         sync.Mutex
	state      atomic.Int32
	responder  *transport.Responder
	publisher  *transport.Publisher
	subscriber *transport.Subscriber
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	cbMu     sync.Mutex
	onStatus func(gossip.NodeStatus)

	httpMu   sync.Mutex
	httpSrv  *http.Server
	httpAddr string
}

// New validates cfg and loads TLS material. A nil logger discards output.
func New(cfg Config, logger *zap.Logger) (*Node, error) {
	cfg, err := validate(cfg)
	if err != nil {
		return nil, err
	}

	var tlsCfg *tls.Config
	if cfg.CertFile != "" {
		tlsCfg, err = transport.LoadTLSConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, &ConfigError{Field: "tls", Err: err}
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Node{
		id: Identity{
			ID:               cfg.ID,
			ListenAddress:    cfg.ListenAddress,
			BroadcastAddress: cfg.BroadcastAddress,
			CertFile:         cfg.CertFile,
			KeyFile:          cfg.KeyFile,
		},
		cfg:     cfg,
		log:     logger.With(zap.String("node", cfg.ID)),
		tls:     tlsCfg,
		members: gossip.NewMemberList(cfg.ListenAddress),
		started: time.Now(),
	}, nil
}

func validate(cfg Config) (Config, error) {
	if cfg.ID == "" {
		return cfg, &ConfigError{Field: "id", Err: errors.New("must not be empty")}
	}
	if strings.Contains(cfg.ID, gossip.Delimiter) {
		return cfg, &ConfigError{Field: "id", Err: fmt.Errorf("must not contain %q", gossip.Delimiter)}
	}

	listen, err := transport.ParseAddress(cfg.ListenAddress)
	if err != nil {
		return cfg, &ConfigError{Field: "listen_address", Err: err}
	}
	if strings.Contains(cfg.ListenAddress, gossip.Delimiter) {
		return cfg, &ConfigError{Field: "listen_address", Err: fmt.Errorf("must not contain %q", gossip.Delimiter)}
	}
	bcast, err := transport.ParseAddress(cfg.BroadcastAddress)
	if err != nil {
		return cfg, &ConfigError{Field: "broadcast_address", Err: err}
	}
	if listen == bcast {
		return cfg, &ConfigError{Field: "broadcast_address", Err: errors.New("must differ from listen_address")}
	}

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return cfg, &ConfigError{Field: "tls", Err: errors.New("cert_file and key_file must be set together")}
	}
	if cfg.CertFile == "" && (listen.Scheme == transport.SchemeTLS || bcast.Scheme == transport.SchemeTLS) {
		return cfg, &ConfigError{Field: "tls", Err: transport.ErrTLSRequired}
	}

	for name, d := range map[string]time.Duration{
		"broadcast_interval": cfg.BroadcastInterval,
		"reap_interval":      cfg.ReapInterval,
		"request_timeout":    cfg.RequestTimeout,
		"recv_timeout":       cfg.RecvTimeout,
	} {
		if d < 0 {
			return cfg, &ConfigError{Field: name, Err: fmt.Errorf("negative duration %s", d)}
		}
	}

	if cfg.BroadcastInterval == 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HealthInfo == "" {
		cfg.HealthInfo = DefaultHealthInfo
	}
	return cfg, nil
}

func (n *Node) Identity() Identity { return n.id }

func (n *Node) State() State { return State(n.state.Load()) }

func (n *Node) transportOptions() transport.Options {
	return transport.Options{
		TLSConfig:   n.tls,
		DialTimeout: n.cfg.RequestTimeout,
		Logger:      n.log,
	}
}

// Start binds the responder, binds the publisher and connects the subscriber,
// in that order, then launches the four roles. It does nothing if the node is
// already running. On failure every endpoint opened so far is closed and the
// node stays Stopped, so Start may be retried.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() == StateRunning {
		return nil
	}

	opts := n.transportOptions()
	rep, err := transport.ListenResponder(n.id.ListenAddress, opts)
	if err != nil {
		return n.startFailed(&StartError{Step: StepResponder, Address: n.id.ListenAddress, Err: err})
	}
	pub, err := transport.ListenPublisher(n.id.BroadcastAddress, opts)
	if err != nil {
		rep.Close()
		return n.startFailed(&StartError{Step: StepPublisher, Address: n.id.BroadcastAddress, Err: err})
	}
	sub, err := transport.DialSubscriber(n.id.BroadcastAddress, "", opts)
	if err != nil {
		pub.Close()
		rep.Close()
		return n.startFailed(&StartError{Step: StepSubscriber, Address: n.id.BroadcastAddress, Err: err})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.responder, n.publisher, n.subscriber, n.cancel = rep, pub, sub, cancel
	n.state.Store(int32(StateRunning))

	n.wg.Add(4)
	go n.serveQueries(rep)
	go n.broadcast(ctx, pub)
	go n.subscribe(sub)
	go n.reap(ctx)

	n.log.Info("node started",
		zap.String("listen", n.id.ListenAddress),
		zap.String("broadcast", n.id.BroadcastAddress),
		zap.Bool("broadcast_hub", pub.IsHub()),
	)
	return nil
}

func (n *Node) startFailed(err *StartError) error {
	n.state.Store(int32(StateStopped))
	n.log.Error("node start failed", zap.String("step", string(err.Step)), zap.Error(err.Err))
	return err
}

// Stop closes the three endpoints, which unblocks any role parked in a
// receive, waits for every role to return and then stops the HTTP server. It
// does nothing unless the node is running.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.State() != StateRunning {
		n.mu.Unlock()
		return
	}
	n.state.Store(int32(StateStopped))
	n.cancel()
	n.responder.Close()
	n.publisher.Close()
	n.subscriber.Close()
	n.wg.Wait()
	n.responder, n.publisher, n.subscriber, n.cancel = nil, nil, nil, nil
	n.mu.Unlock()

	n.StopHTTPServer()
	telemetry.PeersKnown.WithLabelValues(n.id.ID).Set(float64(n.members.Len()))
	n.log.Info("node stopped")
}

// SubscribeStatus registers fn for every STATUS broadcast that updates the
// membership table, replacing any earlier registration. fn runs on the
// subscriber goroutine and delays further gossip processing while it runs.
// A nil fn clears the registration.
func (n *Node) SubscribeStatus(fn func(gossip.NodeStatus)) {
	n.cbMu.Lock()
	n.onStatus = fn
	n.cbMu.Unlock()
}

// AddPeer seeds the membership table the same way a NODE announce does. The
// reaper evicts the entry if nothing answers at address.
func (n *Node) AddPeer(id, address string) bool {
	if id == n.id.ID {
		return false
	}
	ok := n.members.Upsert(gossip.NodeStatus{ID: id, Address: address, Info: gossip.InfoDiscovered})
	telemetry.PeersKnown.WithLabelValues(n.id.ID).Set(float64(n.members.Len()))
	return ok
}
