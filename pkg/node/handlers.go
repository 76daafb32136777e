package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

const shutdownTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Healthz returns 200 OK to indicate the process is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (n *Node) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// Nodes writes the membership table keyed by peer address.
func (n *Node) Nodes(w http.ResponseWriter, _ *http.Request) {
	nodes := make(map[string]gossip.NodeStatus)
	for _, s := range n.members.Snapshot() {
		nodes[s.Address] = s
	}
	writeJSON(w, nodes)
}

// Info writes the node identity, uptime and peer count.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID               string    `json:"id"`
		ListenAddress    string    `json:"listen_address"`
		BroadcastAddress string    `json:"broadcast_address"`
		Uptime           int64     `json:"uptime"`
		Peers            int       `json:"peers"`
		State            string    `json:"state"`
		PID              int       `json:"pid"`
		Now              time.Time `json:"now"`
	}
	writeJSON(w, resp{
		ID:               n.id.ID,
		ListenAddress:    n.id.ListenAddress,
		BroadcastAddress: n.id.BroadcastAddress,
		Uptime:           n.LocalStatus().Uptime,
		Peers:            n.members.Len(),
		State:            n.State().String(),
		PID:              os.Getpid(),
		Now:              time.Now(),
	})
}

// Handler routes the status endpoint. Every route except /metrics is
// instrumented.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /status", telemetry.Instrument("status", http.HandlerFunc(n.Status)))
	mux.Handle("GET /nodes", telemetry.Instrument("nodes", http.HandlerFunc(n.Nodes)))
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("GET /healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}

// StartHTTPServer serves Handler on addr in the background. addr may be a
// bare port, ":port" or "host:port".
func (n *Node) StartHTTPServer(addr string) error {
	n.httpMu.Lock()
	defer n.httpMu.Unlock()
	if n.httpSrv != nil {
		return ErrHTTPRunning
	}

	ln, err := net.Listen("tcp", NormalizeHostPort(addr, "8080"))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	n.httpSrv = srv
	n.httpAddr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("http server failed", zap.Error(err))
		}
	}()
	n.log.Info("http server listening", zap.String("addr", n.httpAddr))
	return nil
}

// HTTPAddr is the bound address of the HTTP server, or "" when it is not running.
func (n *Node) HTTPAddr() string {
	n.httpMu.Lock()
	defer n.httpMu.Unlock()
	return n.httpAddr
}

// StopHTTPServer shuts the HTTP server down. It does nothing if none is running.
func (n *Node) StopHTTPServer() {
	n.httpMu.Lock()
	srv := n.httpSrv
	n.httpSrv, n.httpAddr = nil, ""
	n.httpMu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		n.log.Warn("http shutdown", zap.Error(err))
		srv.Close()
	}
}
