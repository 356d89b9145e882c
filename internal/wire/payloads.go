package wire

import (
	"encoding/json"
	"fmt"

	"peermesh/internal/capability"
)

// Payload bodies are JSON. The frame gives them a length, so the bodies can
// grow fields without touching the outer envelope.

// HealthCheckResponse is the body of MsgHealthCheckResponse. The request
// carries no payload.
type HealthCheckResponse struct {
	IsHealthy bool `json:"is_healthy"`
}

// ShardRef identifies the model partition a prompt or tensor targets. The
// core routes on it but never interprets it further.
type ShardRef struct {
	ModelID    string `json:"model_id"`
	StartLayer int    `json:"start_layer"`
	EndLayer   int    `json:"end_layer"`
	NumLayers  int    `json:"n_layers"`
}

// PromptRequest is the body of MsgSendPrompt.
type PromptRequest struct {
	Shard          ShardRef        `json:"shard"`
	Prompt         string          `json:"prompt"`
	RequestID      string          `json:"request_id,omitempty"`
	InferenceState json.RawMessage `json:"inference_state,omitempty"`
}

// PromptAck is the body of MsgSendPromptResponse. Prompt results stream back
// later via MsgSendResult; the ack only confirms acceptance.
type PromptAck struct {
	RequestID string `json:"request_id,omitempty"`
	Accepted  bool   `json:"accepted"`
}

// Result is the body of MsgSendResult. When a step produces a tensor rather
// than tokens the body uses the tensor envelope instead (see EncodeResult).
type Result struct {
	RequestID string `json:"request_id"`
	Tokens    []int  `json:"result"`
	Finished  bool   `json:"is_finished"`
}

// Status is the body of MsgOpaqueStatus.
type Status struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// TopologyRequest is the body of MsgCollectTopologyRequest. Visited plus
// MaxDepth stop collection loops between mutually connected peers.
type TopologyRequest struct {
	Visited  []string `json:"visited"`
	MaxDepth int      `json:"max_depth"`
}

// TopologyEdge is one directed peer relationship as reported by its source
// node.
type TopologyEdge struct {
	ToID   string `json:"to_id"`
	Method string `json:"description"`
}

// TopologyResponse is the body of MsgCollectTopologyResponse.
type TopologyResponse struct {
	Nodes     map[string]capability.DeviceCapability `json:"nodes"`
	PeerGraph map[string][]TopologyEdge              `json:"peer_graph"`
}

// EncodeJSON marshals a payload body.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON unmarshals a payload body. Malformed bodies are protocol
// failures for the owning connection.
func DecodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: malformed payload body: %w", err)
	}
	return nil
}
