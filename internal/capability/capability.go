package capability

import "fmt"

// Precision tags used as keys in the Flops map.
const (
	PrecisionFP32 = "fp32"
	PrecisionFP16 = "fp16"
	PrecisionInt8 = "int8"
)

// DeviceCapability describes what a node's hardware can do. It is provided
// by an external collaborator at registration time and treated as an
// immutable snapshot; a re-announcement replaces it wholesale.
type DeviceCapability struct {
	Model     string             `json:"model" yaml:"model"`
	Chip      string             `json:"chip" yaml:"chip"`
	MemoryMiB int64              `json:"memory" yaml:"memory_mib"`
	Flops     map[string]float64 `json:"flops" yaml:"flops,omitempty"`
}

// Unknown is the placeholder capability for peers whose hardware has not
// been reported yet (e.g. direct-discovery peers before the first announce).
func Unknown() DeviceCapability {
	return DeviceCapability{Model: "unknown", Chip: "unknown"}
}

// IsUnknown reports whether c is the placeholder capability.
func (c DeviceCapability) IsUnknown() bool {
	return c.Model == "" || c.Model == "unknown"
}

// FlopsFor returns the reported throughput for a precision tag, or 0.
func (c DeviceCapability) FlopsFor(precision string) float64 {
	return c.Flops[precision]
}

// Clone returns a deep copy so callers can hold snapshots safely.
func (c DeviceCapability) Clone() DeviceCapability {
	out := c
	if c.Flops != nil {
		out.Flops = make(map[string]float64, len(c.Flops))
		for k, v := range c.Flops {
			out.Flops[k] = v
		}
	}
	return out
}

// Equal reports whether two capability snapshots are identical.
func (c DeviceCapability) Equal(other DeviceCapability) bool {
	if c.Model != other.Model || c.Chip != other.Chip || c.MemoryMiB != other.MemoryMiB {
		return false
	}
	if len(c.Flops) != len(other.Flops) {
		return false
	}
	for k, v := range c.Flops {
		if other.Flops[k] != v {
			return false
		}
	}
	return true
}

func (c DeviceCapability) String() string {
	return fmt.Sprintf("%s (%s, %d MiB)", c.Model, c.Chip, c.MemoryMiB)
}
