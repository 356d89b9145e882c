package discovery

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDirectAnnouncesSyntheticPeer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDirect("192.168.1.50:52415", zap.NewNop())
	out, errc := collect(t, ctx, d)

	select {
	case obs := <-out:
		if obs.Retract {
			t.Fatalf("got retract %+v", obs)
		}
		if obs.ID != "peer-192.168.1.50" {
			t.Fatalf("id=%q, want peer-192.168.1.50", obs.ID)
		}
		if obs.Addr != "192.168.1.50:52415" || obs.Method != MethodDirect {
			t.Fatalf("obs=%+v", obs)
		}
		if !obs.Capability.IsUnknown() {
			t.Fatalf("capability=%+v, want unknown", obs.Capability)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}
