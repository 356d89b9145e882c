package capability

import "testing"

func TestUnknown(t *testing.T) {
	t.Parallel()

	c := Unknown()
	if !c.IsUnknown() {
		t.Fatalf("IsUnknown=false for %+v", c)
	}
	if (DeviceCapability{Model: "MacBook Pro"}).IsUnknown() {
		t.Fatalf("named model reported unknown")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	c := DeviceCapability{Model: "m", Chip: "c", MemoryMiB: 1024, Flops: map[string]float64{PrecisionFP16: 2e12}}
	d := c.Clone()
	d.Flops[PrecisionFP16] = 0
	if c.Flops[PrecisionFP16] != 2e12 {
		t.Fatalf("clone aliases flops map")
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	a := DeviceCapability{Model: "m", Chip: "c", MemoryMiB: 8, Flops: map[string]float64{PrecisionFP32: 1e12}}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatalf("clone not equal")
	}
	b.Flops[PrecisionFP32] = 2e12
	if a.Equal(b) {
		t.Fatalf("differing flops reported equal")
	}
	if a.Equal(DeviceCapability{Model: "m", Chip: "c", MemoryMiB: 9}) {
		t.Fatalf("differing memory reported equal")
	}
}
