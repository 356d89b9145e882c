package topology

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peermesh/internal/capability"
	"peermesh/internal/registry"
	"peermesh/internal/wire"
)

type fakeSource struct {
	mu      sync.Mutex
	healthy []registry.PeerRecord
	views   map[string]wire.TopologyResponse
	errs    map[string]error
	asked   map[string][][]string // peer -> visited lists seen
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		views: map[string]wire.TopologyResponse{},
		errs:  map[string]error{},
		asked: map[string][][]string{},
	}
}

func (f *fakeSource) Healthy() []registry.PeerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.PeerRecord, len(f.healthy))
	copy(out, f.healthy)
	return out
}

func (f *fakeSource) CollectTopology(ctx context.Context, id string, visited []string, maxDepth int) (wire.TopologyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked[id] = append(f.asked[id], append([]string(nil), visited...))
	if err := f.errs[id]; err != nil {
		return wire.TopologyResponse{}, err
	}
	return f.views[id], nil
}

func (f *fakeSource) setHealthy(recs ...registry.PeerRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = recs
}

func rec(id, method string) registry.PeerRecord {
	return registry.PeerRecord{
		ID:         id,
		Addr:       "10.0.0.1:52415",
		Method:     method,
		Health:     registry.HealthHealthy,
		Capability: capability.DeviceCapability{Model: "node-" + id, Chip: "M2"},
	}
}

func newTestCollector(src Source) *Collector {
	self := capability.DeviceCapability{Model: "self", Chip: "M2 Ultra", MemoryMiB: 65536}
	return NewCollector("a", self, src, Options{}, zap.NewNop())
}

func TestCollectOnce_TwoNodeMesh(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setHealthy(rec("b", "broadcast"))
	src.views["b"] = wire.TopologyResponse{
		Nodes: map[string]capability.DeviceCapability{
			"b": {Model: "node-b", Chip: "M2"},
		},
		PeerGraph: map[string][]wire.TopologyEdge{
			"b": {{ToID: "a", Method: "broadcast"}},
		},
	}

	c := newTestCollector(src)
	g := c.CollectOnce(context.Background())

	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, []Edge{{ToID: "b", Method: "broadcast"}}, g.Edges["a"])
	assert.Equal(t, []Edge{{ToID: "a", Method: "broadcast"}}, g.Edges["b"])

	// The nested request must carry our id so the far side stops recursing.
	require.Len(t, src.asked["b"], 1)
	assert.Contains(t, src.asked["b"][0], "a")
}

func TestCollectOnce_QuiescentCycleKeepsSnapshot(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setHealthy(rec("b", "manual"))
	src.views["b"] = wire.TopologyResponse{
		Nodes: map[string]capability.DeviceCapability{"b": {Model: "node-b"}},
	}

	c := newTestCollector(src)
	first := c.CollectOnce(context.Background())
	second := c.CollectOnce(context.Background())
	assert.Same(t, first, second, "identical cycles must not republish")
	assert.Same(t, first, c.Current())
}

func TestCollectOnce_StaleEdgeRetention(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setHealthy(rec("b", "scan"))
	src.views["b"] = wire.TopologyResponse{
		Nodes: map[string]capability.DeviceCapability{
			"b": {Model: "node-b"},
			"c": {Model: "node-c"},
		},
		PeerGraph: map[string][]wire.TopologyEdge{
			"b": {{ToID: "c", Method: "scan"}},
		},
	}

	c := newTestCollector(src)
	c.CollectOnce(context.Background())

	// b stays healthy but stops answering collection.
	src.mu.Lock()
	src.errs["b"] = errors.New("connection reset")
	src.mu.Unlock()

	g := c.CollectOnce(context.Background())
	require.Contains(t, g.Edges, "b")
	assert.Equal(t, []Edge{{ToID: "c", Method: "scan", Stale: true}}, g.Edges["b"])
	assert.Contains(t, g.Nodes, "c", "stale edge targets keep their node entry")
}

func TestCollectOnce_UnhealthyPeerLeavesGraph(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setHealthy(rec("b", "broadcast"))
	src.views["b"] = wire.TopologyResponse{
		Nodes: map[string]capability.DeviceCapability{"b": {Model: "node-b"}},
		PeerGraph: map[string][]wire.TopologyEdge{
			"b": {{ToID: "a", Method: "broadcast"}},
		},
	}

	c := newTestCollector(src)
	g := c.CollectOnce(context.Background())
	assert.Equal(t, 2, g.NodeCount())

	// The peer drops out of the healthy set: both directions disappear.
	src.setHealthy()
	g = c.CollectOnce(context.Background())
	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())
}

func TestHandleCollect_LocalViewOnDepthExhaustion(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setHealthy(rec("b", "manual"))

	c := newTestCollector(src)
	resp := c.HandleCollect(context.Background(), wire.TopologyRequest{Visited: []string{"z"}, MaxDepth: 1})

	assert.Contains(t, resp.Nodes, "a")
	assert.Contains(t, resp.Nodes, "b")
	assert.Equal(t, []wire.TopologyEdge{{ToID: "b", Method: "manual"}}, resp.PeerGraph["a"])
	assert.Empty(t, src.asked, "depth 1 must not recurse")
}

func TestHandleCollect_SkipsVisitedPeers(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setHealthy(rec("b", "manual"), rec("c", "manual"))
	src.views["c"] = wire.TopologyResponse{
		Nodes: map[string]capability.DeviceCapability{"c": {Model: "node-c"}},
	}

	c := newTestCollector(src)
	resp := c.HandleCollect(context.Background(), wire.TopologyRequest{Visited: []string{"b"}, MaxDepth: 3})

	assert.NotContains(t, src.asked, "b", "visited peers are not re-asked")
	require.Contains(t, src.asked, "c")
	// The forwarded visited set includes both the caller's entries and us.
	assert.ElementsMatch(t, []string{"b", "a"}, src.asked["c"][0])
	assert.Contains(t, resp.Nodes, "c")
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	c := newTestCollector(src)
	sub := c.Subscribe()

	src.setHealthy(rec("b", "manual"))
	src.views["b"] = wire.TopologyResponse{}
	first := c.CollectOnce(context.Background())

	src.setHealthy(rec("b", "manual"), rec("c", "manual"))
	src.views["c"] = wire.TopologyResponse{}
	second := c.CollectOnce(context.Background())
	require.NotSame(t, first, second)

	// Without draining in between, only the newest snapshot is pending.
	g := <-sub
	assert.Same(t, second, g)
	select {
	case extra := <-sub:
		t.Fatalf("unexpected extra snapshot: %v", extra)
	default:
	}
}
