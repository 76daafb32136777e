// Package discovery seeds the mesh from etcd. Each node registers its listen
// address under a lease; peers read and watch the prefix.
package discovery

import (
	"context"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const KeyPrefix = "/zephyrmesh/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func nodeKey(id string) string { return KeyPrefix + id }

func peerID(key []byte) string { return strings.TrimPrefix(string(key), KeyPrefix) }

// RegisterNode stores addr under id with a ttl-second lease and keeps the lease
// alive until the returned cancel func is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, nodeKey(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers returns every registered node as id -> address.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, KeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[peerID(kv.Key)] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers calls fn with the full id -> address view after every change
// under the prefix, until ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, fn func(peers map[string]string)) error {
	peers, err := GetPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(clonePeers(peers))

	for wresp := range cli.Watch(ctx, KeyPrefix, clientv3.WithPrefix()) {
		if err := wresp.Err(); err != nil {
			return err
		}
		applyEvents(peers, wresp.Events)
		fn(clonePeers(peers))
	}
	return ctx.Err()
}

func applyEvents(peers map[string]string, events []*clientv3.Event) {
	for _, ev := range events {
		id := peerID(ev.Kv.Key)
		switch ev.Type {
		case mvccpb.PUT:
			peers[id] = string(ev.Kv.Value)
		case mvccpb.DELETE:
			delete(peers, id)
		}
	}
}

func clonePeers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
