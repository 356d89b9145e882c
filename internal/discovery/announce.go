package discovery

import (
	"encoding/json"
	"fmt"
	"net"

	"peermesh/internal/addrutil"
	"peermesh/internal/capability"
)

// maxAnnouncementSize bounds what a listener will read from an unknown
// sender.
const maxAnnouncementSize = 4096

// Announcement is the JSON datagram the broadcast and scan providers
// exchange. Port is the sender's protocol listen port; the receiver joins
// it with the observed source host unless a public address is advertised.
type Announcement struct {
	Type       string                      `json:"type"`
	NodeID     string                      `json:"node_id"`
	Port       int                         `json:"port"`
	Capability capability.DeviceCapability `json:"device_capabilities"`
	PublicAddr string                      `json:"public_addr,omitempty"`
	NATType    string                      `json:"nat_type,omitempty"`
	// Reply marks a unicast answer to a broadcast; replies are never
	// answered again, which breaks the ping-pong loop two nodes would
	// otherwise enter.
	Reply bool `json:"reply,omitempty"`
}

const announcementType = "announce"

// NewAnnouncement builds this node's announcement.
func NewAnnouncement(nodeID string, port int, cap capability.DeviceCapability) Announcement {
	return Announcement{Type: announcementType, NodeID: nodeID, Port: port, Capability: cap}
}

// Encode marshals the announcement for the wire.
func (a Announcement) Encode() []byte {
	data, _ := json.Marshal(a)
	return data
}

// DecodeAnnouncement parses and validates a received announcement.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	if len(data) > maxAnnouncementSize {
		return Announcement{}, fmt.Errorf("announcement too large (%d bytes)", len(data))
	}
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("malformed announcement: %w", err)
	}
	if err := a.validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

// DialAddr resolves where to reach the announcer: the advertised public
// host when one is present, otherwise the source host the announcement
// arrived from, joined with the announce port either way.
func (a Announcement) DialAddr(src net.Addr) string {
	if a.PublicAddr != "" {
		return addrutil.WithPort(a.PublicAddr, a.Port)
	}
	return addrutil.WithPort(src.String(), a.Port)
}

func (a Announcement) validate() error {
	if a.Type != announcementType {
		return fmt.Errorf("unexpected announcement type %q", a.Type)
	}
	if a.NodeID == "" {
		return fmt.Errorf("announcement missing node_id")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("announcement port %d out of range", a.Port)
	}
	return nil
}
