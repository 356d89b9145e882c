package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/capability"
)

// StaticPeer is one entry of a declarative peer list.
type StaticPeer struct {
	Addr       string
	Capability capability.DeviceCapability
}

// Manual re-reads a declarative peer list on every poll and re-emits an
// announcement for each entry; entries that disappeared between reloads are
// retracted. This is the only provider whose retractions are operator
// driven.
type Manual struct {
	load     func() (map[string]StaticPeer, error)
	interval time.Duration
	log      *zap.Logger
}

// NewManual wraps a peer-list loader (typically a config file read).
func NewManual(load func() (map[string]StaticPeer, error), interval time.Duration, log *zap.Logger) *Manual {
	return &Manual{load: load, interval: interval, log: log.Named("discovery.manual")}
}

func (m *Manual) Run(ctx context.Context, out chan<- Observation) error {
	prev := map[string]StaticPeer{}

	reload := func() error {
		peers, err := m.load()
		if err != nil {
			return fmt.Errorf("load peer list: %w", err)
		}
		for id, p := range peers {
			if p.Addr == "" {
				return fmt.Errorf("peer %q: empty address", id)
			}
			if !emit(ctx, out, Announce(id, p.Addr, p.Capability, MethodManual)) {
				return ctx.Err()
			}
		}
		for id := range prev {
			if _, ok := peers[id]; !ok {
				m.log.Info("peer removed from config", zap.String("peer", id))
				if !emit(ctx, out, RetractPeer(id, MethodManual)) {
					return ctx.Err()
				}
			}
		}
		prev = peers
		return nil
	}

	if err := reload(); err != nil {
		return err
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := reload(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Malformed source: stop producing, keep the registry's
				// current view intact.
				m.log.Error("peer list reload failed, provider stopping", zap.Error(err))
				return err
			}
		}
	}
}
