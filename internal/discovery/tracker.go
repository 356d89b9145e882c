package discovery

import "sync"

// tracker counts consecutive missed probe rounds per peer. A peer is
// retracted only after maxMisses full rounds without an answer, so one
// dropped datagram doesn't churn the registry.
type tracker struct {
	mu        sync.Mutex
	maxMisses int
	misses    map[string]int
}

func newTracker(maxMisses int) *tracker {
	return &tracker{maxMisses: maxMisses, misses: make(map[string]int)}
}

// Mark records that the peer answered during the current round, resetting
// its miss count.
func (t *tracker) Mark(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.misses[id] = 0
}

// Sweep closes a probe round: every tracked peer accrues a miss (answers
// since the previous sweep reset them to zero), and peers that crossed the
// threshold are returned for retraction and forgotten.
func (t *tracker) Sweep() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var retract []string
	for id := range t.misses {
		t.misses[id]++
		// An answer earlier in this round left the count at zero, so the
		// post-increment value is misses-since-last-answer plus one.
		if t.misses[id] > t.maxMisses {
			retract = append(retract, id)
			delete(t.misses, id)
		}
	}
	return retract
}
