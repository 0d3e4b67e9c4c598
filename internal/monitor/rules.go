package monitor

import (
	"fmt"
	"sync"
	"time"

	"trade-executor/internal/execution"
)

// FailureRule trips when one broker fails Threshold times within Window.
// It fires once per crossing, then rearms when the count drops back.
type FailureRule struct {
	Threshold int
	Window    time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func (r *FailureRule) Check(f execution.BrokerFailure, now time.Time) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hits == nil {
		r.hits = make(map[string][]time.Time)
	}

	cutoff := now.Add(-r.Window)
	kept := r.hits[f.BrokerID][:0]
	for _, t := range r.hits[f.BrokerID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	r.hits[f.BrokerID] = kept

	if len(kept) != r.Threshold {
		return false, ""
	}
	return true, fmt.Sprintf("%s failed %d times in %s (last: %s: %s)", f.BrokerID, len(kept), r.Window, f.Kind, f.Error)
}
