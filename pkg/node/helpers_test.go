package node

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testBroadcastInterval = 50 * time.Millisecond
	testReapInterval      = 150 * time.Millisecond
	testRequestTimeout    = 300 * time.Millisecond

	eventually = 3 * time.Second
	tick       = 20 * time.Millisecond
)

func inprocAddr(t *testing.T, name string) string {
	return "inproc://" + t.Name() + "/" + name
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "tcp://" + addr
}

func testConfig(t *testing.T, id, broadcast string) Config {
	return Config{
		ID:                id,
		ListenAddress:     inprocAddr(t, id),
		BroadcastAddress:  broadcast,
		BroadcastInterval: testBroadcastInterval,
		ReapInterval:      testReapInterval,
		RequestTimeout:    testRequestTimeout,
	}
}

// startNode creates and starts a node that is stopped again at cleanup.
func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n
}

func knows(n *Node, address string) func() bool {
	return func() bool {
		_, ok := n.members.Get(address)
		return ok
	}
}
