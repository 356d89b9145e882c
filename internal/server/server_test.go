package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/capability"
	"peermesh/internal/peer"
	"peermesh/internal/registry"
	"peermesh/internal/topology"
	"peermesh/internal/wire"
)

type stubSource struct{ healthy []registry.PeerRecord }

func (s *stubSource) Healthy() []registry.PeerRecord { return s.healthy }

func (s *stubSource) CollectTopology(ctx context.Context, id string, visited []string, maxDepth int) (wire.TopologyResponse, error) {
	return wire.TopologyResponse{}, nil
}

type stubHandler struct {
	results chan wire.Result
	status  chan wire.Status
}

func newStubHandler() *stubHandler {
	return &stubHandler{
		results: make(chan wire.Result, 4),
		status:  make(chan wire.Status, 4),
	}
}

func (h *stubHandler) ProcessPrompt(ctx context.Context, req wire.PromptRequest) (wire.PromptAck, error) {
	return wire.PromptAck{RequestID: req.RequestID, Accepted: true}, nil
}

func (h *stubHandler) ProcessTensor(ctx context.Context, meta wire.TensorMeta, raw []byte) (*wire.TensorMeta, []byte, error) {
	// Echo the tensor back doubled in the first shape dim.
	out := meta
	if len(out.Shape) > 0 {
		out.Shape = append([]int{meta.Shape[0] * 2}, meta.Shape[1:]...)
	}
	return &out, raw, nil
}

func (h *stubHandler) OnResult(ctx context.Context, res wire.Result, meta *wire.TensorMeta, raw []byte) {
	h.results <- res
}

func (h *stubHandler) OnStatus(ctx context.Context, st wire.Status) {
	h.status <- st
}

// startServer runs a Server on an ephemeral port and returns its address.
func startServer(t *testing.T, handler Handler, src topology.Source) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if src == nil {
		src = &stubSource{}
	}
	col := topology.NewCollector("srv", capability.DeviceCapability{Model: "test"}, src, topology.Options{}, zap.NewNop())
	srv := New(handler, col, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *peer.Conn {
	t.Helper()
	c := peer.New("srv", addr, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServe_HealthCheck(t *testing.T) {
	t.Parallel()

	addr := startServer(t, nil, nil)
	c := dial(t, addr)
	if !c.HealthCheck(context.Background()) {
		t.Fatalf("health check failed against live server")
	}
}

func TestServe_PromptAck(t *testing.T) {
	t.Parallel()

	addr := startServer(t, newStubHandler(), nil)
	c := dial(t, addr)

	payload, err := wire.EncodeJSON(wire.PromptRequest{Prompt: "hi", RequestID: "r7"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := c.Call(context.Background(), wire.MsgSendPrompt, payload, wire.MsgSendPromptResponse)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var ack wire.PromptAck
	if err := wire.DecodeJSON(resp, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Accepted || ack.RequestID != "r7" {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestServe_TensorRoundTrip(t *testing.T) {
	t.Parallel()

	addr := startServer(t, newStubHandler(), nil)
	c := dial(t, addr)

	raw := bytes.Repeat([]byte{0xAB}, 16)
	payload, err := wire.EncodeTensor(wire.TensorMeta{Shape: []int{2, 2}, DType: "float32"}, raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := c.Call(context.Background(), wire.MsgSendTensorRequest, payload, wire.MsgSendTensorResponse)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	meta, got, err := wire.DecodeTensor(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta == nil || meta.Shape[0] != 4 {
		t.Fatalf("meta=%+v", meta)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("tensor bytes differ")
	}
}

func TestServe_TensorWithoutHandlerYieldsEmpty(t *testing.T) {
	t.Parallel()

	addr := startServer(t, nil, nil)
	c := dial(t, addr)

	payload, err := wire.EncodeTensor(wire.TensorMeta{Shape: []int{1}, DType: "int8"}, []byte{1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := c.Call(context.Background(), wire.MsgSendTensorRequest, payload, wire.MsgSendTensorResponse)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	meta, raw, err := wire.DecodeTensor(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta != nil || raw != nil {
		t.Fatalf("expected empty tensor, got meta=%+v", meta)
	}
}

func TestServe_ResultAndStatusOneWay(t *testing.T) {
	t.Parallel()

	h := newStubHandler()
	addr := startServer(t, h, nil)
	c := dial(t, addr)

	payload, err := wire.EncodeResult(wire.Result{RequestID: "r1", Tokens: []int{1, 2}, Finished: true}, nil, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.Send(context.Background(), wire.MsgSendResult, payload); err != nil {
		t.Fatalf("send result: %v", err)
	}
	select {
	case res := <-h.results:
		if res.RequestID != "r1" || !res.Finished {
			t.Fatalf("result=%+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result not delivered")
	}

	sp, err := wire.EncodeJSON(wire.Status{RequestID: "r1", Status: "done"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.Send(context.Background(), wire.MsgOpaqueStatus, sp); err != nil {
		t.Fatalf("send status: %v", err)
	}
	select {
	case st := <-h.status:
		if st.Status != "done" {
			t.Fatalf("status=%+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status not delivered")
	}
}

func TestServe_TopologyCollect(t *testing.T) {
	t.Parallel()

	src := &stubSource{healthy: []registry.PeerRecord{{
		ID: "b", Addr: "10.0.0.2:52415", Method: "manual", Health: registry.HealthHealthy,
	}}}
	addr := startServer(t, nil, src)
	c := dial(t, addr)

	payload, err := wire.EncodeJSON(wire.TopologyRequest{Visited: []string{"me"}, MaxDepth: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := c.Call(context.Background(), wire.MsgCollectTopologyRequest, payload, wire.MsgCollectTopologyResponse)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var body wire.TopologyResponse
	if err := wire.DecodeJSON(resp, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body.Nodes["srv"]; !ok {
		t.Fatalf("nodes=%v, want srv present", body.Nodes)
	}
	if len(body.PeerGraph["srv"]) != 1 || body.PeerGraph["srv"][0].ToID != "b" {
		t.Fatalf("peer_graph=%v", body.PeerGraph)
	}
}

func TestServe_BadMagicClosesConnection(t *testing.T) {
	t.Parallel()

	addr := startServer(t, nil, nil)
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	if _, err := raw.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	// The server leaves our extra bytes unread when it closes, so the read
	// may end in EOF or a reset; either way the connection must be dead.
	buf := make([]byte, 1)
	n, err := raw.Read(buf)
	if err == nil {
		t.Fatalf("read %d bytes, want closed connection", n)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("read timed out, connection not closed")
	}
}

func TestServe_UnsolicitedResponseClosesConnection(t *testing.T) {
	t.Parallel()

	addr := startServer(t, nil, nil)
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	if _, err := raw.Write(wire.Marshal(wire.MsgHealthCheckResponse, nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := raw.Read(buf); err != io.EOF {
		t.Fatalf("read err=%v, want EOF (connection closed)", err)
	}
}
