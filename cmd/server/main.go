package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/discovery"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/config"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

const leaseTTL = 10 // seconds

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// 1. Configuration and logging
	boot, _ := zap.NewProduction()
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal("load config", zap.Error(err))
	}
	log, err := cfg.Logger()
	if err != nil {
		boot.Fatal("build logger", zap.Error(err))
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	// 2. Node runtime
	n, err := node.New(cfg.Node(), log)
	if err != nil {
		log.Fatal("create node", zap.Error(err))
	}
	n.SubscribeStatus(func(s gossip.NodeStatus) {
		log.Debug("peer status", zap.Stringer("status", s))
	})
	if err := n.Start(); err != nil {
		log.Fatal("start node", zap.Error(err))
	}
	defer n.Stop()

	// 3. Status endpoint
	if cfg.HTTPAddress != "" {
		if err := n.StartHTTPServer(cfg.HTTPAddress); err != nil {
			log.Fatal("start http server", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Optional etcd seeding
	if len(cfg.EtcdEndpoints) > 0 {
		cleanup, err := joinEtcd(ctx, log, n, cfg.EtcdEndpoints)
		if err != nil {
			log.Fatal("join etcd", zap.Error(err))
		}
		defer cleanup()
	}

	<-ctx.Done()
	log.Info("shutting down")
}

// joinEtcd registers the node, seeds the membership table from the registry
// and keeps seeding it from watch events.
func joinEtcd(ctx context.Context, log *zap.Logger, n *node.Node, endpoints []string) (func(), error) {
	log.Info("creating etcd client", zap.Strings("endpoints", endpoints))
	cli, err := discovery.NewClient(endpoints)
	if err != nil {
		return nil, err
	}

	id := n.Identity()
	type registration struct {
		lease  clientv3.LeaseID
		cancel context.CancelFunc
	}
	reg, err := backoff.Retry(ctx, func() (registration, error) {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		lease, keepAliveCancel, err := discovery.RegisterNode(rctx, cli, id.ID, id.ListenAddress, leaseTTL)
		if err != nil {
			log.Warn("etcd registration failed, retrying", zap.Error(err))
			return registration{}, err
		}
		return registration{lease: lease, cancel: keepAliveCancel}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute))
	if err != nil {
		cli.Close()
		return nil, err
	}
	log.Info("registered with etcd", zap.Int64("lease", int64(reg.lease)))

	watchCtx, stopWatch := context.WithCancel(ctx)
	go func() {
		err := discovery.WatchPeers(watchCtx, cli, func(peers map[string]string) {
			for peerID, addr := range peers {
				if n.AddPeer(peerID, addr) {
					log.Debug("seeded peer from etcd", zap.String("peer", peerID), zap.String("addr", addr))
				}
			}
		})
		if err != nil && watchCtx.Err() == nil {
			log.Warn("etcd watch ended", zap.Error(err))
		}
	}()

	return func() {
		stopWatch()
		reg.cancel()
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = cli.Revoke(rctx, reg.lease)
		cli.Close()
	}, nil
}
