// Package discovery feeds the peer registry with peer observations. Each
// provider variant only differs in how it sources the stream; consumers see
// the same Announce/Retract sequence regardless.
package discovery

import (
	"context"

	"peermesh/internal/capability"
)

// Discovery method tags, carried on registry records and topology edges.
const (
	MethodManual    = "manual"
	MethodDirect    = "direct"
	MethodBroadcast = "broadcast"
	MethodScan      = "scan"
	MethodEtcd      = "etcd"
)

// Observation is one event in a provider's stream: either an announcement
// (peer exists at this address with this capability) or a retraction (peer
// should be forgotten entirely).
type Observation struct {
	Retract    bool
	ID         string
	Addr       string
	Capability capability.DeviceCapability
	Method     string
}

// Announce builds an announcement observation.
func Announce(id, addr string, cap capability.DeviceCapability, method string) Observation {
	return Observation{ID: id, Addr: addr, Capability: cap, Method: method}
}

// RetractPeer builds a retraction observation.
func RetractPeer(id, method string) Observation {
	return Observation{Retract: true, ID: id, Method: method}
}

// Provider produces an unbounded observation stream until its context is
// cancelled. A non-nil return is a source failure (e.g. a malformed config):
// the provider has stopped producing, the registry keeps running on what it
// already knows, and the error is for the operator.
type Provider interface {
	Run(ctx context.Context, out chan<- Observation) error
}

// emit delivers an observation unless the context is done.
func emit(ctx context.Context, out chan<- Observation, obs Observation) bool {
	select {
	case out <- obs:
		return true
	case <-ctx.Done():
		return false
	}
}
