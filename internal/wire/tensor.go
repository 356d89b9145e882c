package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TensorMeta is the structured prefix of a tensor-carrying payload. The raw
// tensor bytes that follow it are opaque to this layer.
type TensorMeta struct {
	Shape          []int           `json:"shape"`
	DType          string          `json:"dtype"`
	Shard          *ShardRef       `json:"shard,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	InferenceState json.RawMessage `json:"inference_state,omitempty"`
}

// EncodeTensor builds a tensor payload:
//
//	[4 bytes: metadata length, big-endian]
//	[M bytes: JSON metadata]
//	[rest:    raw tensor bytes]
//
// The metadata is length-prefixed text so it can grow fields without
// re-versioning the outer frame.
func EncodeTensor(meta TensorMeta, raw []byte) ([]byte, error) {
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("wire: encode tensor metadata: %w", err)
	}
	buf := make([]byte, 4+len(mb)+len(raw))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(mb)))
	copy(buf[4:], mb)
	copy(buf[4+len(mb):], raw)
	return buf, nil
}

// EmptyTensor encodes the "no tensor" response: a zero metadata length and
// nothing else.
func EmptyTensor() []byte {
	return make([]byte, 4)
}

// DecodeTensor splits a tensor payload into metadata and raw bytes. A zero
// metadata length yields (nil, nil, nil), the empty response. Malformed
// prefixes are protocol failures.
func DecodeTensor(payload []byte) (*TensorMeta, []byte, error) {
	if len(payload) < 4 {
		return nil, nil, fmt.Errorf("wire: tensor payload too short (%d bytes)", len(payload))
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if n == 0 {
		return nil, nil, nil
	}
	if uint64(n)+4 > uint64(len(payload)) {
		return nil, nil, fmt.Errorf("wire: tensor metadata length %d exceeds payload", n)
	}

	var meta TensorMeta
	if err := json.Unmarshal(payload[4:4+n], &meta); err != nil {
		return nil, nil, fmt.Errorf("wire: malformed tensor metadata: %w", err)
	}
	return &meta, payload[4+n:], nil
}

// EncodeResult marshals a Result, attaching raw tensor bytes in the
// length-prefixed form when present.
func EncodeResult(res Result, meta *TensorMeta, raw []byte) ([]byte, error) {
	if meta == nil {
		return json.Marshal(res)
	}
	body := struct {
		Result
		Tensor *TensorMeta `json:"tensor"`
	}{Result: res, Tensor: meta}
	mb, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode result: %w", err)
	}
	buf := make([]byte, 4+len(mb)+len(raw))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(mb)))
	copy(buf[4:], mb)
	copy(buf[4+len(mb):], raw)
	return buf, nil
}

// DecodeResult is the inverse of EncodeResult. The returned meta and raw
// bytes are nil for token-only results.
func DecodeResult(payload []byte) (Result, *TensorMeta, []byte, error) {
	// A tensor-carrying result opens with a plausible length prefix whose
	// JSON block declares a "tensor" field; anything else is plain JSON.
	if len(payload) >= 4 {
		n := binary.BigEndian.Uint32(payload[:4])
		if n > 0 && uint64(n)+4 <= uint64(len(payload)) {
			var body struct {
				Result
				Tensor *TensorMeta `json:"tensor"`
			}
			if err := json.Unmarshal(payload[4:4+n], &body); err == nil && body.Tensor != nil {
				return body.Result, body.Tensor, payload[4+n:], nil
			}
		}
	}

	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, nil, nil, fmt.Errorf("wire: malformed result payload: %w", err)
	}
	return res, nil, nil, nil
}
