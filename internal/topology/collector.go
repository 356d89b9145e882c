package topology

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/capability"
	"peermesh/internal/registry"
	"peermesh/internal/telemetry"
	"peermesh/internal/wire"
)

// DefaultMaxDepth bounds recursive collection; four hops covers any mesh a
// single broadcast domain can hold.
const DefaultMaxDepth = 4

// Source is the registry surface the collector reads: the healthy peer set
// and the ability to ask one peer for its own view.
type Source interface {
	Healthy() []registry.PeerRecord
	CollectTopology(ctx context.Context, id string, visited []string, maxDepth int) (wire.TopologyResponse, error)
}

// Options tunes the collection loop. Zero values get defaults.
type Options struct {
	Interval time.Duration
	MaxDepth int
	// CollectTimeout bounds one full collection cycle.
	CollectTimeout time.Duration
}

const (
	defaultInterval       = 30 * time.Second
	defaultCollectTimeout = 20 * time.Second
)

// Collector periodically assembles the mesh view and publishes immutable
// snapshots. Registry change signals trigger an immediate cycle; otherwise
// the interval ticks one.
type Collector struct {
	selfID  string
	selfCap capability.DeviceCapability
	source  Source
	opts    Options
	log     *zap.Logger

	current atomic.Pointer[Graph]

	subMu sync.Mutex
	subs  []chan *Graph
}

// NewCollector builds a collector that publishes the view from selfID.
func NewCollector(selfID string, selfCap capability.DeviceCapability, source Source, opts Options, log *zap.Logger) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.CollectTimeout <= 0 {
		opts.CollectTimeout = defaultCollectTimeout
	}
	c := &Collector{
		selfID:  selfID,
		selfCap: selfCap,
		source:  source,
		opts:    opts,
		log:     log.Named("topology"),
	}
	g := NewGraph()
	g.AddNode(selfID, selfCap)
	c.current.Store(g)
	return c
}

// Current returns the last published snapshot. Never nil.
func (c *Collector) Current() *Graph { return c.current.Load() }

// Subscribe returns a channel that receives each newly published snapshot.
// A slow subscriber sees only the latest one.
func (c *Collector) Subscribe() <-chan *Graph {
	ch := make(chan *Graph, 1)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

// Run collects on the interval and on registry change signals until the
// context ends.
func (c *Collector) Run(ctx context.Context, changed <-chan struct{}) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.CollectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.CollectOnce(ctx)
		case <-changed:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce runs one full collection cycle and publishes the result if it
// differs from the current snapshot.
func (c *Collector) CollectOnce(ctx context.Context) *Graph {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CollectTimeout)
	defer cancel()

	prev := c.current.Load()
	next := NewGraph()
	next.AddNode(c.selfID, c.selfCap)

	visited := []string{c.selfID}
	for _, rec := range c.source.Healthy() {
		next.AddNode(rec.ID, rec.Capability)
		next.AddEdge(c.selfID, Edge{ToID: rec.ID, Method: rec.Method})

		resp, err := c.source.CollectTopology(ctx, rec.ID, visited, c.opts.MaxDepth-1)
		if err != nil {
			// The peer is healthy but its view is unavailable this cycle.
			// Carry its previous outbound edges forward rather than let the
			// mesh appear to shrink.
			c.log.Debug("collection from peer failed, keeping stale edges",
				zap.String("peer", rec.ID), zap.Error(err))
			c.retainStale(prev, next, rec.ID)
			continue
		}
		c.merge(next, resp)
	}

	next.normalize()
	if next.Equal(prev) {
		return prev
	}
	c.publish(next)
	return next
}

// merge folds a peer's reported view into the snapshot under construction.
func (c *Collector) merge(g *Graph, resp wire.TopologyResponse) {
	for id, cap := range resp.Nodes {
		g.AddNode(id, cap)
	}
	for from, edges := range resp.PeerGraph {
		for _, e := range edges {
			g.AddEdge(from, Edge{ToID: e.ToID, Method: e.Method})
			if _, ok := g.Nodes[e.ToID]; !ok {
				g.AddNode(e.ToID, capability.Unknown())
			}
		}
	}
}

// retainStale copies a peer's outbound edges (and the nodes they point at)
// from the previous snapshot, marked stale.
func (c *Collector) retainStale(prev, next *Graph, id string) {
	if prev == nil {
		return
	}
	for _, e := range prev.Edges[id] {
		next.AddEdge(id, Edge{ToID: e.ToID, Method: e.Method, Stale: true})
		if cap, ok := prev.Nodes[e.ToID]; ok {
			next.AddNode(e.ToID, cap)
		} else {
			next.AddNode(e.ToID, capability.Unknown())
		}
	}
}

func (c *Collector) publish(g *Graph) {
	c.current.Store(g)
	telemetry.TopologyNodes.Set(float64(g.NodeCount()))
	telemetry.TopologyEdges.Set(float64(g.EdgeCount()))
	c.log.Info("topology published",
		zap.Int("nodes", g.NodeCount()), zap.Int("edges", g.EdgeCount()))

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- g:
		default:
			// Drop the stale pending snapshot and replace it.
			select {
			case <-ch:
			default:
			}
			ch <- g
		}
	}
}

// HandleCollect answers an inbound collection request from a peer. Depth
// exhaustion or a visited loop yields the local view only; otherwise the
// request fans out to healthy peers the caller has not seen yet.
func (c *Collector) HandleCollect(ctx context.Context, req wire.TopologyRequest) wire.TopologyResponse {
	resp := wire.TopologyResponse{
		Nodes:     map[string]capability.DeviceCapability{c.selfID: c.selfCap},
		PeerGraph: map[string][]wire.TopologyEdge{},
	}

	visited := req.Visited
	if !slices.Contains(visited, c.selfID) {
		visited = append(slices.Clone(visited), c.selfID)
	}

	for _, rec := range c.source.Healthy() {
		resp.PeerGraph[c.selfID] = append(resp.PeerGraph[c.selfID],
			wire.TopologyEdge{ToID: rec.ID, Method: rec.Method})
		resp.Nodes[rec.ID] = rec.Capability

		if req.MaxDepth <= 1 || slices.Contains(req.Visited, rec.ID) || rec.ID == c.selfID {
			continue
		}
		sub, err := c.source.CollectTopology(ctx, rec.ID, visited, req.MaxDepth-1)
		if err != nil {
			c.log.Debug("nested collection failed", zap.String("peer", rec.ID), zap.Error(err))
			continue
		}
		for id, cap := range sub.Nodes {
			if have, ok := resp.Nodes[id]; ok && !have.IsUnknown() {
				continue
			}
			resp.Nodes[id] = cap
		}
		for from, edges := range sub.PeerGraph {
			resp.PeerGraph[from] = append(resp.PeerGraph[from], edges...)
		}
	}
	return resp
}
