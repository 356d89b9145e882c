package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"peermesh/internal/capability"
)

const etcdDialTimeout = 5 * time.Second

// etcdRecord is the value stored under <prefix>/<node-id>.
type etcdRecord struct {
	Addr       string                      `json:"addr"`
	Capability capability.DeviceCapability `json:"device_capabilities"`
}

// Etcd registers this node under a shared prefix with a leased key and
// turns prefix watch events into observations: a PUT announces, a DELETE
// (lease expiry or explicit removal) retracts. An external etcd plays the
// role a multicast registry plays on a flat network.
type Etcd struct {
	endpoints []string
	prefix    string
	ttl       int64

	selfID   string
	selfAddr string
	selfCap  capability.DeviceCapability

	log *zap.Logger
}

func NewEtcd(endpoints []string, prefix string, ttlSec int64, selfID, selfAddr string, selfCap capability.DeviceCapability, log *zap.Logger) *Etcd {
	return &Etcd{
		endpoints: endpoints,
		prefix:    strings.TrimSuffix(prefix, "/"),
		ttl:       ttlSec,
		selfID:    selfID,
		selfAddr:  selfAddr,
		selfCap:   selfCap,
		log:       log.Named("discovery.etcd"),
	}
}

func (e *Etcd) Run(ctx context.Context, out chan<- Observation) error {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   e.endpoints,
		DialTimeout: etcdDialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return fmt.Errorf("etcd client: %w", err)
	}
	defer cli.Close()

	leaseID, err := e.register(ctx, cli)
	if err != nil {
		return err
	}
	defer func() {
		// Best-effort: without the revoke the key lingers until TTL expiry.
		revokeCtx, cancel := context.WithTimeout(context.Background(), etcdDialTimeout)
		defer cancel()
		cli.Revoke(revokeCtx, leaseID)
	}()

	resp, err := cli.Get(ctx, e.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcd initial get: %w", err)
	}
	for _, kv := range resp.Kvs {
		e.observePut(ctx, kv.Key, kv.Value, out)
	}

	watch := cli.Watch(ctx, e.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case wr, ok := <-watch:
			if !ok {
				return nil
			}
			if err := wr.Err(); err != nil {
				return fmt.Errorf("etcd watch: %w", err)
			}
			for _, ev := range wr.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					e.observePut(ctx, ev.Kv.Key, ev.Kv.Value, out)
				case clientv3.EventTypeDelete:
					id := e.nodeIDFromKey(ev.Kv.Key)
					if id == "" || id == e.selfID {
						continue
					}
					e.log.Info("peer key deleted", zap.String("peer", id))
					emit(ctx, out, RetractPeer(id, MethodEtcd))
				}
			}
		}
	}
}

// register writes our leased key and keeps the lease alive in the
// background.
func (e *Etcd) register(ctx context.Context, cli *clientv3.Client) (clientv3.LeaseID, error) {
	lease, err := cli.Grant(ctx, e.ttl)
	if err != nil {
		return 0, fmt.Errorf("etcd lease grant: %w", err)
	}

	value, err := json.Marshal(etcdRecord{Addr: e.selfAddr, Capability: e.selfCap})
	if err != nil {
		return 0, err
	}
	key := e.prefix + "/" + e.selfID
	if _, err := cli.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("etcd put %s: %w", key, err)
	}

	ka, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ka {
			// Drain keepalive acks until the channel closes.
		}
		e.log.Debug("etcd keepalive channel closed")
	}()

	e.log.Info("registered in etcd", zap.String("key", key), zap.Int64("ttl", e.ttl))
	return lease.ID, nil
}

func (e *Etcd) observePut(ctx context.Context, key, value []byte, out chan<- Observation) {
	id := e.nodeIDFromKey(key)
	if id == "" || id == e.selfID {
		return
	}
	var rec etcdRecord
	if err := json.Unmarshal(value, &rec); err != nil || rec.Addr == "" {
		e.log.Warn("skipping malformed peer record", zap.String("key", string(key)))
		return
	}
	emit(ctx, out, Announce(id, rec.Addr, rec.Capability, MethodEtcd))
}

func (e *Etcd) nodeIDFromKey(key []byte) string {
	k := string(key)
	if !strings.HasPrefix(k, e.prefix+"/") {
		return ""
	}
	return path.Base(k)
}
