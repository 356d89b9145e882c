package discovery

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"peermesh/internal/capability"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	t.Parallel()

	cap := capability.DeviceCapability{Model: "Mac Studio", Chip: "M2 Ultra", MemoryMiB: 196608}
	a := NewAnnouncement("node-1", 52415, cap)
	a.PublicAddr = "203.0.113.7:52415"
	a.NATType = "cone"

	got, err := DecodeAnnouncement(a.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NodeID != "node-1" || got.Port != 52415 {
		t.Fatalf("got %+v", got)
	}
	if got.PublicAddr != a.PublicAddr || got.NATType != a.NATType {
		t.Fatalf("public addr fields lost: %+v", got)
	}
	if !got.Capability.Equal(cap) {
		t.Fatalf("capability=%+v, want %+v", got.Capability, cap)
	}
}

func TestDecodeAnnouncementRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("hello")},
		{"wrong type", []byte(`{"type":"ping","node_id":"a","port":1}`)},
		{"missing node id", []byte(`{"type":"announce","port":1}`)},
		{"port zero", []byte(`{"type":"announce","node_id":"a","port":0}`)},
		{"port too big", []byte(`{"type":"announce","node_id":"a","port":70000}`)},
		{"oversized", bytes.Repeat([]byte("x"), maxAnnouncementSize+1)},
	}
	for _, tc := range cases {
		if _, err := DecodeAnnouncement(tc.data); err == nil {
			t.Fatalf("%s: decode succeeded, want error", tc.name)
		}
	}
}

func TestAnnouncementDialAddr(t *testing.T) {
	t.Parallel()

	src := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 39100}

	a := NewAnnouncement("node-1", 52415, capability.Unknown())
	if got := a.DialAddr(src); got != "192.168.1.20:52415" {
		t.Fatalf("addr=%q, want source host + announce port", got)
	}

	// An advertised public address wins over the observed source host; the
	// announce port still applies.
	a.PublicAddr = "203.0.113.7:41000"
	if got := a.DialAddr(src); got != "203.0.113.7:52415" {
		t.Fatalf("addr=%q, want public host + announce port", got)
	}
}

func TestReadAnnouncementFromStream(t *testing.T) {
	t.Parallel()

	a := NewAnnouncement("node-2", 9000, capability.Unknown())
	// Trailing bytes after the JSON value must not block the read.
	r := strings.NewReader(string(a.Encode()) + "garbage")
	got, err := readAnnouncement(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.NodeID != "node-2" {
		t.Fatalf("node_id=%q, want node-2", got.NodeID)
	}
}
