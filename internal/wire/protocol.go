// Package wire implements the binary message framing used between nodes.
//
// Frame layout:
//
//	[4 bytes: magic 0x45 0x58 0x4F 0x01]
//	[1 byte:  message type]
//	[4 bytes: payload length, big-endian]
//	[N bytes: payload]
//
// A bad magic or an unknown type means the stream can no longer be trusted
// and the owning connection must be torn down. A short stream is a transport
// failure, not a framing failure.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the fixed frame sentinel.
var Magic = [4]byte{0x45, 0x58, 0x4F, 0x01}

// HeaderSize is magic + type + length.
const HeaderSize = 4 + 1 + 4

// MaxPayload bounds decode allocations. Tensor transfers are large but a
// declared length beyond this is treated as a corrupt frame.
const MaxPayload = 1 << 31

// MsgType identifies a frame's payload format. The set is closed and
// versioned; values match the protocol as deployed.
type MsgType byte

const (
	MsgHealthCheckRequest  MsgType = 0x01
	MsgHealthCheckResponse MsgType = 0x02

	MsgSendPrompt         MsgType = 0x10
	MsgSendPromptResponse MsgType = 0x11
	MsgSendTensorRequest  MsgType = 0x12
	MsgSendTensorResponse MsgType = 0x13

	MsgSendResult MsgType = 0x20

	MsgCollectTopologyRequest  MsgType = 0x30
	MsgCollectTopologyResponse MsgType = 0x31

	MsgOpaqueStatus MsgType = 0x40
)

func (t MsgType) String() string {
	switch t {
	case MsgHealthCheckRequest:
		return "health_check_request"
	case MsgHealthCheckResponse:
		return "health_check_response"
	case MsgSendPrompt:
		return "send_prompt"
	case MsgSendPromptResponse:
		return "send_prompt_response"
	case MsgSendTensorRequest:
		return "send_tensor_request"
	case MsgSendTensorResponse:
		return "send_tensor_response"
	case MsgSendResult:
		return "send_result"
	case MsgCollectTopologyRequest:
		return "collect_topology_request"
	case MsgCollectTopologyResponse:
		return "collect_topology_response"
	case MsgOpaqueStatus:
		return "opaque_status"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Valid reports whether t belongs to the closed type set.
func (t MsgType) Valid() bool {
	switch t {
	case MsgHealthCheckRequest, MsgHealthCheckResponse,
		MsgSendPrompt, MsgSendPromptResponse,
		MsgSendTensorRequest, MsgSendTensorResponse,
		MsgSendResult,
		MsgCollectTopologyRequest, MsgCollectTopologyResponse,
		MsgOpaqueStatus:
		return true
	}
	return false
}

// ErrBadMagic is the framing failure: the stream is misaligned or speaking
// a different protocol. Connection-fatal.
var ErrBadMagic = errors.New("wire: invalid magic header")

// UnknownTypeError is the protocol failure for a type value outside the
// closed set. Connection-fatal.
type UnknownTypeError byte

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("wire: unknown message type 0x%02x", byte(e))
}

// PayloadSizeError is raised when a declared payload length exceeds
// MaxPayload. Connection-fatal like any protocol failure.
type PayloadSizeError uint32

func (e PayloadSizeError) Error() string {
	return fmt.Sprintf("wire: declared payload length %d exceeds limit", uint32(e))
}

// Fatal reports whether err poisons the byte stream. Transport errors
// (timeouts, resets, short reads) are also connection-fatal in practice, but
// they are the caller's to classify; Fatal is specifically about frames that
// decoded wrong.
func Fatal(err error) bool {
	var ut UnknownTypeError
	var ps PayloadSizeError
	return errors.Is(err, ErrBadMagic) || errors.As(err, &ut) || errors.As(err, &ps)
}

// Marshal builds a complete frame for one message.
func Marshal(t MsgType, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf, Magic[:])
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Encode writes one framed message to w. The frame is assembled first so a
// message hits the wire in a single Write, which matters for callers that
// rely on the write happening entirely under their exclusive gate.
func Encode(w io.Writer, t MsgType, payload []byte) error {
	_, err := w.Write(Marshal(t, payload))
	return err
}

// Decode consumes exactly one message from r, blocking until enough bytes
// arrive. Partial reads are normal; an outer deadline on r is the caller's
// responsibility. A stream that ends mid-frame yields io.ErrUnexpectedEOF.
func Decode(r io.Reader) (MsgType, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	if [4]byte(header[:4]) != Magic {
		return 0, nil, ErrBadMagic
	}

	t := MsgType(header[4])
	if !t.Valid() {
		return 0, nil, UnknownTypeError(header[4])
	}

	n := binary.BigEndian.Uint32(header[5:9])
	if n > MaxPayload {
		return 0, nil, PayloadSizeError(n)
	}
	if n == 0 {
		return t, nil, nil
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return t, payload, nil
}
