// Package registry owns the set of known peers: their addresses,
// capabilities, connections and health. Discovery providers feed it
// observations; health probes move records between states; the topology
// collector reads its healthy view.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/capability"
	"peermesh/internal/discovery"
	"peermesh/internal/peer"
	"peermesh/internal/probestat"
	"peermesh/internal/store"
	"peermesh/internal/telemetry"
	"peermesh/internal/wire"
)

// Health is a peer record's probe state.
type Health int

const (
	// HealthUnknown is the state of every record before its first probe
	// completes.
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// PeerRecord is the public snapshot of one registered peer.
type PeerRecord struct {
	ID         string
	Addr       string
	Capability capability.DeviceCapability
	Method     string
	Health     Health
	LastSeen   time.Time
}

// Conn is what the registry needs from a peer connection. *peer.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	Addr() string
	Close() error
	HealthCheck(ctx context.Context) bool
	Call(ctx context.Context, send wire.MsgType, payload []byte, want wire.MsgType) ([]byte, error)
	Send(ctx context.Context, t wire.MsgType, payload []byte) error
}

type record struct {
	PeerRecord
	conn Conn
}

// Options tunes probing and persistence. Zero values get defaults.
type Options struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// ProbeLogPath, when set, appends one CSV sample per probe.
	ProbeLogPath string
	// CachePath, when set, persists the peer set after every probe round.
	CachePath string
}

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = peer.HealthCheckTimeout
)

// Registry tracks peers and their health.
type Registry struct {
	log  *zap.Logger
	opts Options
	dial func(id, addr string) Conn

	mu      sync.Mutex
	records map[string]*record
	closed  bool

	// changed carries a coalesced "graph-relevant state moved" signal.
	changed chan struct{}
}

// New builds an empty registry.
func New(opts Options, log *zap.Logger) *Registry {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	logger := log.Named("registry")
	return &Registry{
		log:     logger,
		opts:    opts,
		dial:    func(id, addr string) Conn { return peer.New(id, addr, log) },
		records: map[string]*record{},
		changed: make(chan struct{}, 1),
	}
}

// Changed returns a channel that receives a (coalesced) signal whenever the
// healthy peer set may have changed: a health transition, a retraction of a
// live peer, or an address replacement.
func (r *Registry) Changed() <-chan struct{} { return r.changed }

func (r *Registry) signal() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Run consumes discovery observations and probes health until the context
// ends. It owns the probe schedule; observation intake happens between
// rounds.
func (r *Registry) Run(ctx context.Context, obs <-chan discovery.Observation) error {
	ticker := time.NewTicker(r.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case o, ok := <-obs:
			if !ok {
				return nil
			}
			r.Apply(o)
		case <-ticker.C:
			r.ProbeOnce(ctx)
		}
	}
}

// Apply folds one discovery observation into the registry.
func (r *Registry) Apply(o discovery.Observation) {
	if o.Retract {
		r.retract(o.ID)
		return
	}
	r.announce(o)
}

// announce creates or refreshes a record. A changed address or capability
// replaces the connection and resets health to unknown: the announcement
// describes an endpoint the probes have not seen yet.
func (r *Registry) announce(o discovery.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	now := time.Now()
	rec, ok := r.records[o.ID]
	if ok && rec.Addr == o.Addr && (o.Capability.IsUnknown() || rec.Capability.Equal(o.Capability)) {
		rec.Method = o.Method
		rec.LastSeen = now
		return
	}

	if ok {
		// A placeholder capability on the new announcement must not erase
		// hardware the peer already reported.
		cap := o.Capability
		if cap.IsUnknown() && !rec.Capability.IsUnknown() {
			cap = rec.Capability
		}
		r.log.Info("peer announcement changed, replacing record",
			zap.String("peer", o.ID), zap.String("old", rec.Addr), zap.String("new", o.Addr))
		rec.conn.Close()
		wasHealthy := rec.Health == HealthHealthy
		*rec = record{
			PeerRecord: PeerRecord{
				ID: o.ID, Addr: o.Addr, Capability: cap,
				Method: o.Method, Health: HealthUnknown, LastSeen: now,
			},
			conn: r.dial(o.ID, o.Addr),
		}
		if wasHealthy {
			r.signal()
		}
	} else {
		r.log.Info("peer announced",
			zap.String("peer", o.ID), zap.String("addr", o.Addr), zap.String("method", o.Method))
		r.records[o.ID] = &record{
			PeerRecord: PeerRecord{
				ID: o.ID, Addr: o.Addr, Capability: o.Capability,
				Method: o.Method, Health: HealthUnknown, LastSeen: now,
			},
			conn: r.dial(o.ID, o.Addr),
		}
	}
	r.updateGaugesLocked()
}

// retract is the only path that removes a record. Probe failures never do;
// they only mark unhealthy.
func (r *Registry) retract(id string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
		r.updateGaugesLocked()
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.log.Info("peer retracted", zap.String("peer", id))
	rec.conn.Close()
	if rec.Health == HealthHealthy {
		r.signal()
	}
}

// Seed warm-starts the registry from a persisted peer cache. Cached peers
// enter as unknown and must pass a probe before they count.
func (r *Registry) Seed(c *store.Cache) {
	if c == nil {
		return
	}
	for _, p := range c.Peers {
		r.announce(discovery.Announce(p.ID, p.Addr, p.Capability, p.Method))
	}
}

// ProbeOnce runs a single concurrent health round over all records and
// applies the transitions.
func (r *Registry) ProbeOnce(ctx context.Context) {
	type target struct {
		id   string
		conn Conn
	}
	r.mu.Lock()
	targets := make([]target, 0, len(r.records))
	for id, rec := range r.records {
		targets = append(targets, target{id: id, conn: rec.conn})
	}
	r.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	type outcome struct {
		id      string
		conn    Conn
		healthy bool
		rtt     time.Duration
	}
	results := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, tg := range targets {
		wg.Add(1)
		go func(i int, tg target) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
			defer cancel()
			start := time.Now()
			ok := tg.conn.HealthCheck(pctx)
			results[i] = outcome{id: tg.id, conn: tg.conn, healthy: ok, rtt: time.Since(start)}
		}(i, tg)
	}
	wg.Wait()

	now := time.Now()
	samples := make([]probestat.Sample, 0, len(results))
	transitioned := false

	r.mu.Lock()
	for _, res := range results {
		rec, ok := r.records[res.id]
		// The record may have been retracted or re-addressed mid-round; a
		// result for a stale connection must not touch the new one.
		if !ok || rec.conn != res.conn {
			continue
		}
		next := HealthUnhealthy
		if res.healthy {
			next = HealthHealthy
			rec.LastSeen = now
		}
		if rec.Health != next {
			r.log.Info("peer health changed",
				zap.String("peer", res.id),
				zap.Stringer("from", rec.Health), zap.Stringer("to", next))
			rec.Health = next
			transitioned = true
		}
		samples = append(samples, probestat.Sample{
			Timestamp: now,
			PeerID:    res.id,
			Healthy:   res.healthy,
			RTTMs:     float64(res.rtt) / float64(time.Millisecond),
		})
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	if transitioned {
		r.signal()
	}
	if r.opts.ProbeLogPath != "" && len(samples) > 0 {
		if err := probestat.AppendCSV(r.opts.ProbeLogPath, samples); err != nil {
			r.log.Warn("appending probe log failed", zap.Error(err))
		}
	}
	if r.opts.CachePath != "" {
		if err := r.saveCache(); err != nil {
			r.log.Warn("saving peer cache failed", zap.Error(err))
		}
	}
}

func (r *Registry) saveCache() error {
	c := &store.Cache{}
	for _, rec := range r.Snapshot() {
		c.Peers = append(c.Peers, store.CachedPeer{
			ID:         rec.ID,
			Addr:       rec.Addr,
			Method:     rec.Method,
			Capability: rec.Capability,
			LastSeenAt: rec.LastSeen,
		})
	}
	return store.SaveCache(r.opts.CachePath, c)
}

// Snapshot returns all records sorted by id.
func (r *Registry) Snapshot() []PeerRecord {
	r.mu.Lock()
	out := make([]PeerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.PeerRecord)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy returns records currently in the healthy state, sorted by id.
func (r *Registry) Healthy() []PeerRecord {
	all := r.Snapshot()
	out := all[:0]
	for _, rec := range all {
		if rec.Health == HealthHealthy {
			out = append(out, rec)
		}
	}
	return out
}

// Get returns the record for one peer.
func (r *Registry) Get(id string) (PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return PeerRecord{}, false
	}
	return rec.PeerRecord, true
}

func (r *Registry) connFor(id string) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("registry: unknown peer %q", id)
	}
	return rec.conn, nil
}

// SendPrompt forwards a prompt and returns the remote's acceptance ack.
func (r *Registry) SendPrompt(ctx context.Context, id string, req wire.PromptRequest) (wire.PromptAck, error) {
	conn, err := r.connFor(id)
	if err != nil {
		return wire.PromptAck{}, err
	}
	payload, err := wire.EncodeJSON(req)
	if err != nil {
		return wire.PromptAck{}, err
	}
	resp, err := conn.Call(ctx, wire.MsgSendPrompt, payload, wire.MsgSendPromptResponse)
	if err != nil {
		return wire.PromptAck{}, err
	}
	var ack wire.PromptAck
	if err := wire.DecodeJSON(resp, &ack); err != nil {
		return wire.PromptAck{}, err
	}
	return ack, nil
}

// SendTensor forwards tensor data and returns the peer's response tensor,
// or (nil, nil) when the peer answered with the empty tensor.
func (r *Registry) SendTensor(ctx context.Context, id string, meta wire.TensorMeta, raw []byte) (*wire.TensorMeta, []byte, error) {
	conn, err := r.connFor(id)
	if err != nil {
		return nil, nil, err
	}
	payload, err := wire.EncodeTensor(meta, raw)
	if err != nil {
		return nil, nil, err
	}
	resp, err := conn.Call(ctx, wire.MsgSendTensorRequest, payload, wire.MsgSendTensorResponse)
	if err != nil {
		return nil, nil, err
	}
	return wire.DecodeTensor(resp)
}

// SendResult delivers a result one-way; no response is read.
func (r *Registry) SendResult(ctx context.Context, id string, res wire.Result, meta *wire.TensorMeta, raw []byte) error {
	conn, err := r.connFor(id)
	if err != nil {
		return err
	}
	payload, err := wire.EncodeResult(res, meta, raw)
	if err != nil {
		return err
	}
	return conn.Send(ctx, wire.MsgSendResult, payload)
}

// SendStatus delivers an opaque status one-way.
func (r *Registry) SendStatus(ctx context.Context, id string, st wire.Status) error {
	conn, err := r.connFor(id)
	if err != nil {
		return err
	}
	payload, err := wire.EncodeJSON(st)
	if err != nil {
		return err
	}
	return conn.Send(ctx, wire.MsgOpaqueStatus, payload)
}

// CollectTopology asks one peer for its view of the mesh.
func (r *Registry) CollectTopology(ctx context.Context, id string, visited []string, maxDepth int) (wire.TopologyResponse, error) {
	conn, err := r.connFor(id)
	if err != nil {
		return wire.TopologyResponse{}, err
	}
	payload, err := wire.EncodeJSON(wire.TopologyRequest{Visited: visited, MaxDepth: maxDepth})
	if err != nil {
		return wire.TopologyResponse{}, err
	}
	resp, err := conn.Call(ctx, wire.MsgCollectTopologyRequest, payload, wire.MsgCollectTopologyResponse)
	if err != nil {
		return wire.TopologyResponse{}, err
	}
	var body wire.TopologyResponse
	if err := wire.DecodeJSON(resp, &body); err != nil {
		return wire.TopologyResponse{}, err
	}
	return body, nil
}

// Close closes every peer connection and rejects further announcements.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]Conn, 0, len(r.records))
	for _, rec := range r.records {
		conns = append(conns, rec.conn)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// updateGaugesLocked refreshes the per-state peer gauges. Caller holds mu.
func (r *Registry) updateGaugesLocked() {
	counts := map[Health]int{}
	for _, rec := range r.records {
		counts[rec.Health]++
	}
	for _, h := range []Health{HealthUnknown, HealthHealthy, HealthUnhealthy} {
		telemetry.PeersByState.WithLabelValues(h.String()).Set(float64(counts[h]))
	}
}
