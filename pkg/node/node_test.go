package node

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

func TestNewRejectsBadConfig(t *testing.T) {
	valid := func() Config {
		return Config{ID: "a", ListenAddress: "inproc://a", BroadcastAddress: "inproc://bus"}
	}
	cases := []struct {
		name  string
		field string
		edit  func(*Config)
	}{
		{"empty id", "id", func(c *Config) { c.ID = "" }},
		{"delimiter in id", "id", func(c *Config) { c.ID = "a|b" }},
		{"bad listen", "listen_address", func(c *Config) { c.ListenAddress = "udp://x:1" }},
		{"bad broadcast", "broadcast_address", func(c *Config) { c.BroadcastAddress = "tcp://nope" }},
		{"same addresses", "broadcast_address", func(c *Config) { c.BroadcastAddress = c.ListenAddress }},
		{"cert without key", "tls", func(c *Config) { c.CertFile = "node.crt" }},
		{"tls without cert", "tls", func(c *Config) { c.ListenAddress = "tls+tcp://127.0.0.1:7000" }},
		{"negative interval", "reap_interval", func(c *Config) { c.ReapInterval = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.edit(&cfg)
			n, err := New(cfg, nil)
			require.Error(t, err)
			assert.Nil(t, n)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	n, err := New(Config{ID: "a", ListenAddress: "inproc://a", BroadcastAddress: "inproc://bus"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBroadcastInterval, n.cfg.BroadcastInterval)
	assert.Equal(t, DefaultReapInterval, n.cfg.ReapInterval)
	assert.Equal(t, DefaultRequestTimeout, n.cfg.RequestTimeout)
	assert.Equal(t, StateCreated, n.State())
	assert.Equal(t, Identity{ID: "a", ListenAddress: "inproc://a", BroadcastAddress: "inproc://bus"}, n.Identity())

	s := n.LocalStatus()
	assert.Equal(t, "a", s.ID)
	assert.Equal(t, "inproc://a", s.Address)
	assert.Equal(t, DefaultHealthInfo, s.Info)
	assert.GreaterOrEqual(t, s.Uptime, int64(0))
}

func TestLifecycle(t *testing.T) {
	n, err := New(testConfig(t, "a", inprocAddr(t, "bus")), nil)
	require.NoError(t, err)

	n.Stop() // no-op before Start
	assert.Equal(t, StateCreated, n.State())

	require.NoError(t, n.Start())
	assert.Equal(t, StateRunning, n.State())
	require.NoError(t, n.Start(), "second Start is a no-op")

	n.Stop()
	assert.Equal(t, StateStopped, n.State())
	n.Stop()
	assert.Equal(t, StateStopped, n.State())

	// endpoints are released, so the node can run again
	require.NoError(t, n.Start())
	assert.Equal(t, StateRunning, n.State())
	n.Stop()
}

func TestStopReturnsPromptlyWithBlockingReceives(t *testing.T) {
	cfg := testConfig(t, "a", inprocAddr(t, "bus"))
	cfg.RecvTimeout = 0
	cfg.BroadcastInterval = time.Hour
	cfg.ReapInterval = time.Hour
	n, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())

	done := make(chan struct{})
	go func() {
		n.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStartFailsOnTakenListenAddress(t *testing.T) {
	bus := inprocAddr(t, "bus")
	first := startNode(t, testConfig(t, "a", bus))

	cfg := testConfig(t, "b", inprocAddr(t, "bus2"))
	cfg.ListenAddress = first.Identity().ListenAddress
	second, err := New(cfg, nil)
	require.NoError(t, err)

	err = second.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)
	assert.NotErrorIs(t, err, ErrDial)
	assert.ErrorIs(t, err, transport.ErrAddrInUse)
	var serr *StartError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StepResponder, serr.Step)
	assert.Equal(t, StateStopped, second.State())

	// once the address is free again the same node starts
	first.Stop()
	require.NoError(t, second.Start())
	second.Stop()
}

func TestStartFailureReleasesResponder(t *testing.T) {
	cfg := testConfig(t, "a", "tcp://203.0.113.1:5999") // TEST-NET-3, never local
	n, err := New(cfg, nil)
	require.NoError(t, err)

	err = n.Start()
	require.Error(t, err)
	var serr *StartError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StepPublisher, serr.Step)
	assert.ErrorIs(t, err, ErrBind)
	assert.Equal(t, StateStopped, n.State())

	rep, err := transport.ListenResponder(cfg.ListenAddress, transport.Options{})
	require.NoError(t, err, "listen address must be free after a failed Start")
	rep.Close()
}

func TestNodesDiscoverEachOther(t *testing.T) {
	bus := inprocAddr(t, "bus")
	a := startNode(t, testConfig(t, "a", bus))
	b := startNode(t, testConfig(t, "b", bus))

	require.Eventually(t, knows(a, b.Identity().ListenAddress), eventually, tick)
	require.Eventually(t, knows(b, a.Identity().ListenAddress), eventually, tick)

	require.Eventually(t, func() bool {
		s, ok := a.members.Get(b.Identity().ListenAddress)
		return ok && s.ID == "b" && s.Info == DefaultHealthInfo
	}, eventually, tick, "STATUS gossip replaces the announce placeholder")

	assert.NotContains(t, a.KnownNodes(), a.Identity().ListenAddress)
	assert.NotContains(t, b.KnownNodes(), b.Identity().ListenAddress)
}

func TestNodesDiscoverEachOverTCP(t *testing.T) {
	bus := freeTCPAddr(t)
	cfgA := testConfig(t, "a", bus)
	cfgA.ListenAddress = freeTCPAddr(t)
	cfgB := testConfig(t, "b", bus)
	cfgB.ListenAddress = freeTCPAddr(t)

	a := startNode(t, cfgA)
	b := startNode(t, cfgB)

	require.Eventually(t, knows(a, cfgB.ListenAddress), eventually, tick)
	require.Eventually(t, knows(b, cfgA.ListenAddress), eventually, tick)

	all := a.QueryAllStatus(context.Background())
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

func TestQueryAllStatus(t *testing.T) {
	bus := inprocAddr(t, "bus")
	a := startNode(t, testConfig(t, "a", bus))

	alone := a.QueryAllStatus(context.Background())
	require.Len(t, alone, 1)
	assert.Equal(t, a.LocalStatus().Address, alone[0].Address)

	b := startNode(t, testConfig(t, "b", bus))
	c := startNode(t, testConfig(t, "c", bus))
	require.Eventually(t, func() bool { return len(a.KnownNodes()) == 2 }, eventually, tick)

	all := a.QueryAllStatus(context.Background())
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID, "local status comes first")
	assert.Equal(t, b.Identity().ListenAddress, all[1].Address)
	assert.Equal(t, c.Identity().ListenAddress, all[2].Address)
	assert.Equal(t, DefaultHealthInfo, all[1].Info)
}

func TestQueryAllStatusOmitsUnreachablePeers(t *testing.T) {
	cfg := testConfig(t, "a", inprocAddr(t, "bus"))
	cfg.ReapInterval = time.Hour
	a := startNode(t, cfg)
	require.True(t, a.AddPeer("ghost", inprocAddr(t, "ghost")))

	all := a.QueryAllStatus(context.Background())
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ID)
	assert.Contains(t, a.KnownNodes(), inprocAddr(t, "ghost"), "queries never evict")
}

func TestQueryAllStatusStopsOnCanceledContext(t *testing.T) {
	cfg := testConfig(t, "a", inprocAddr(t, "bus"))
	cfg.ReapInterval = time.Hour
	cfg.RequestTimeout = 10 * time.Second
	a := startNode(t, cfg)
	// non-routable: connects hang rather than fail
	require.True(t, a.AddPeer("dark1", "tcp://10.255.255.1:9"))
	require.True(t, a.AddPeer("dark2", "tcp://10.255.255.2:9"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	all := a.QueryAllStatus(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ID)
}

func TestReaperEvictsStoppedPeer(t *testing.T) {
	bus := inprocAddr(t, "bus")
	a := startNode(t, testConfig(t, "a", bus))
	b, err := New(testConfig(t, "b", bus), nil)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	bAddr := b.Identity().ListenAddress
	require.Eventually(t, knows(a, bAddr), eventually, tick)

	b.Stop()
	require.Eventually(t, func() bool { return !knows(a, bAddr)() }, eventually, tick)
}

func TestReaperKeepsLivePeers(t *testing.T) {
	bus := inprocAddr(t, "bus")
	a := startNode(t, testConfig(t, "a", bus))
	b := startNode(t, testConfig(t, "b", bus))
	require.Eventually(t, knows(a, b.Identity().ListenAddress), eventually, tick)

	time.Sleep(3 * testReapInterval)
	assert.True(t, knows(a, b.Identity().ListenAddress)())
}

func TestAddPeer(t *testing.T) {
	cfg := testConfig(t, "a", inprocAddr(t, "bus"))
	cfg.ReapInterval = time.Hour
	n, err := New(cfg, nil)
	require.NoError(t, err)

	assert.False(t, n.AddPeer("a", "inproc://elsewhere"), "own id")
	assert.False(t, n.AddPeer("x", cfg.ListenAddress), "own address")
	assert.True(t, n.AddPeer("b", "inproc://b"))

	s, ok := n.members.Get("inproc://b")
	require.True(t, ok)
	assert.Equal(t, gossip.NodeStatus{ID: "b", Address: "inproc://b", Info: gossip.InfoDiscovered}, s)
}

func TestSubscribeStatus(t *testing.T) {
	bus := inprocAddr(t, "bus")
	a := startNode(t, testConfig(t, "a", bus))

	got := make(chan gossip.NodeStatus, 64)
	a.SubscribeStatus(func(s gossip.NodeStatus) {
		select {
		case got <- s:
		default:
		}
	})

	b := startNode(t, testConfig(t, "b", bus))
	select {
	case s := <-got:
		assert.Equal(t, "b", s.ID)
		assert.Equal(t, b.Identity().ListenAddress, s.Address)
	case <-time.After(eventually):
		t.Fatal("no status callback")
	}
}

func TestHandleGossip(t *testing.T) {
	n, err := New(Config{ID: "self", ListenAddress: "inproc://self", BroadcastAddress: "inproc://bus"}, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	n.SubscribeStatus(func(gossip.NodeStatus) { calls.Add(1) })

	n.handleGossip([]byte("garbage"))
	n.handleGossip([]byte("NODE|only-id"))
	n.handleGossip(gossip.EncodeAnnounce("self", "inproc://other"))
	n.handleGossip(gossip.EncodeAnnounce("other", "inproc://self"))
	n.handleGossip(gossip.EncodeStatus(gossip.NodeStatus{ID: "x", Address: "inproc://self", Uptime: 1, Info: "ok"}))
	assert.Zero(t, n.members.Len())
	assert.Zero(t, calls.Load())

	n.handleGossip(gossip.EncodeAnnounce("p", "inproc://p"))
	s, _ := n.members.Get("inproc://p")
	assert.Equal(t, gossip.InfoDiscovered, s.Info)
	assert.Zero(t, calls.Load(), "announces do not notify")

	full := gossip.NodeStatus{ID: "p", Address: "inproc://p", Uptime: 42, Info: "busy"}
	n.handleGossip(gossip.EncodeStatus(full))
	s, _ = n.members.Get("inproc://p")
	assert.Equal(t, full, s)
	assert.EqualValues(t, 1, calls.Load())
}

func TestBusGarbageDoesNotPoisonMembership(t *testing.T) {
	bus := inprocAddr(t, "bus")
	cfg := testConfig(t, "a", bus)
	cfg.ReapInterval = time.Hour
	a := startNode(t, cfg)

	// a second publisher on the bus relays through a's hub
	pub, err := transport.ListenPublisher(bus, transport.Options{})
	require.NoError(t, err)
	defer pub.Close()

	garbage := [][]byte{
		[]byte("garbage"),
		[]byte("NODE|only-id"),
		[]byte("STATUS|x|inproc://x|not-a-number|ok"),
		{0xff, 0xfe, 0x00},
		nil,
	}
	peer := inprocAddr(t, "p")
	require.Eventually(t, func() bool {
		for _, g := range garbage {
			_ = pub.Send(g)
		}
		_ = pub.Send(gossip.EncodeAnnounce("p", peer))
		return knows(a, peer)()
	}, eventually, tick)

	assert.Equal(t, []string{peer}, a.KnownNodes())
	s, ok := a.members.Get(peer)
	require.True(t, ok)
	assert.Equal(t, "p", s.ID)
}

func TestPanickingCallbackIsContained(t *testing.T) {
	n, err := New(Config{ID: "self", ListenAddress: "inproc://self", BroadcastAddress: "inproc://bus"}, nil)
	require.NoError(t, err)
	n.SubscribeStatus(func(gossip.NodeStatus) { panic("boom") })

	assert.NotPanics(t, func() {
		n.handleGossip(gossip.EncodeStatus(gossip.NodeStatus{ID: "p", Address: "inproc://p", Info: "ok"}))
	})
	assert.Equal(t, 1, n.members.Len())
}

func TestResponderAnswersQueries(t *testing.T) {
	a := startNode(t, testConfig(t, "a", inprocAddr(t, "bus")))

	req, err := transport.DialRequester(a.Identity().ListenAddress, transport.Options{})
	require.NoError(t, err)
	defer req.Close()

	reply, err := req.Request(gossip.EncodeQuery(), time.Second)
	require.NoError(t, err)
	s, err := gossip.DecodeReply(reply)
	require.NoError(t, err)
	assert.Equal(t, "a", s.ID)
	assert.Equal(t, a.Identity().ListenAddress, s.Address)
	assert.Equal(t, DefaultHealthInfo, s.Info)

	reply, err = req.Request([]byte("HELLO"), time.Second)
	require.NoError(t, err)
	assert.Empty(t, reply, "unknown commands get an empty reply")

	// the connection is still usable afterwards
	_, err = req.Request(gossip.EncodeQuery(), time.Second)
	require.NoError(t, err)
}

func TestStartErrorMatching(t *testing.T) {
	cause := errors.New("boom")
	bind := &StartError{Step: StepPublisher, Address: "tcp://x:1", Err: cause}
	dial := &StartError{Step: StepSubscriber, Address: "tcp://x:1", Err: cause}

	assert.ErrorIs(t, bind, ErrBind)
	assert.ErrorIs(t, bind, cause)
	assert.NotErrorIs(t, bind, ErrDial)
	assert.ErrorIs(t, dial, ErrDial)
	assert.NotErrorIs(t, dial, ErrBind)
	assert.Equal(t, "start publisher on tcp://x:1: boom", bind.Error())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestStopReleasesTCPAddresses(t *testing.T) {
	cfg := testConfig(t, "a", freeTCPAddr(t))
	cfg.ListenAddress = freeTCPAddr(t)

	first, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start())
	first.Stop()

	second := startNode(t, cfg)
	assert.Equal(t, StateRunning, second.State())
}
