package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

var allTypes = []MsgType{
	MsgHealthCheckRequest, MsgHealthCheckResponse,
	MsgSendPrompt, MsgSendPromptResponse,
	MsgSendTensorRequest, MsgSendTensorResponse,
	MsgSendResult,
	MsgCollectTopologyRequest, MsgCollectTopologyResponse,
	MsgOpaqueStatus,
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	payloads := [][]byte{nil, {}, []byte("x"), bytes.Repeat([]byte{0xAB}, 4096)}
	for _, typ := range allTypes {
		for _, p := range payloads {
			var buf bytes.Buffer
			if err := Encode(&buf, typ, p); err != nil {
				t.Fatalf("Encode(%v): %v", typ, err)
			}
			gotType, gotPayload, err := Decode(&buf)
			if err != nil {
				t.Fatalf("Decode(%v): %v", typ, err)
			}
			if gotType != typ {
				t.Fatalf("type=%v want %v", gotType, typ)
			}
			if !bytes.Equal(gotPayload, p) {
				t.Fatalf("payload mismatch for %v: %d bytes vs %d", typ, len(gotPayload), len(p))
			}
		}
	}
}

func TestDecode_OneByteAtATime(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"is_healthy":true}`)
	frame := Marshal(MsgHealthCheckResponse, payload)

	typ, got, err := Decode(iotest.OneByteReader(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if typ != MsgHealthCheckResponse || !bytes.Equal(got, payload) {
		t.Fatalf("type=%v payload=%q", typ, got)
	}
}

func TestDecode_BadMagicAnyByte(t *testing.T) {
	t.Parallel()

	for i := 0; i < 4; i++ {
		frame := Marshal(MsgHealthCheckRequest, nil)
		frame[i] ^= 0xFF
		_, _, err := Decode(bytes.NewReader(frame))
		if !errors.Is(err, ErrBadMagic) {
			t.Fatalf("byte %d: err=%v, want ErrBadMagic", i, err)
		}
		if !Fatal(err) {
			t.Fatalf("byte %d: bad magic not fatal", i)
		}
	}
}

func TestDecode_UnknownType(t *testing.T) {
	t.Parallel()

	frame := Marshal(MsgHealthCheckRequest, nil)
	frame[4] = 0x7F
	_, _, err := Decode(bytes.NewReader(frame))
	var ut UnknownTypeError
	if !errors.As(err, &ut) || byte(ut) != 0x7F {
		t.Fatalf("err=%v", err)
	}
	if !Fatal(err) {
		t.Fatalf("unknown type not fatal")
	}
}

func TestDecode_TruncatedPayload(t *testing.T) {
	t.Parallel()

	// Declared length exceeds what the stream delivers before closing.
	frame := Marshal(MsgSendTensorRequest, []byte("0123456789"))
	for _, cut := range []int{HeaderSize, HeaderSize + 3, len(frame) - 1} {
		_, _, err := Decode(bytes.NewReader(frame[:cut]))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("cut=%d err=%v, want ErrUnexpectedEOF", cut, err)
		}
		if Fatal(err) {
			t.Fatalf("cut=%d: truncation misclassified as framing failure", cut)
		}
	}
}

func TestDecode_TruncatedHeader(t *testing.T) {
	t.Parallel()

	frame := Marshal(MsgHealthCheckRequest, nil)
	_, _, err := Decode(bytes.NewReader(frame[:5]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err=%v", err)
	}
}

func TestDecode_PayloadLengthLimit(t *testing.T) {
	t.Parallel()

	var frame [HeaderSize]byte
	copy(frame[:], Magic[:])
	frame[4] = byte(MsgSendTensorRequest)
	binary.BigEndian.PutUint32(frame[5:9], MaxPayload+1)
	_, _, err := Decode(bytes.NewReader(frame[:]))
	var ps PayloadSizeError
	if !errors.As(err, &ps) {
		t.Fatalf("err=%v", err)
	}
}

func TestMsgTypeValid(t *testing.T) {
	t.Parallel()

	for _, typ := range allTypes {
		if !typ.Valid() {
			t.Fatalf("%v invalid", typ)
		}
	}
	for _, v := range []byte{0x00, 0x03, 0x14, 0x15, 0x41, 0xFF} {
		if MsgType(v).Valid() {
			t.Fatalf("0x%02x valid", v)
		}
	}
}
