package mcp

import (
	"sync"
	"time"

	"github.com/ashita-ai/sekimon/internal/breaker"
)

// grantTracker records allowed sekimon_check_operation calls so that
// sekimon_report_outcome only feeds the breaker for operations the control
// core actually admitted. Each grant is consumed by exactly one report.
//
// Grants older than the window are expired and handed back to the caller,
// which releases any breaker trial they were holding.
type grantTracker struct {
	mu     sync.Mutex
	grants map[grantKey][]grant
	window time.Duration
	now    func() time.Time
}

type grantKey struct {
	callerID  string
	clusterID string
}

// grant is one admission waiting for its outcome report.
type grant struct {
	clusterID string
	ticket    breaker.Ticket
	at        time.Time
}

func newGrantTracker(window time.Duration) *grantTracker {
	return &grantTracker{
		grants: make(map[grantKey][]grant),
		window: window,
		now:    time.Now,
	}
}

// Record notes an allowed check and returns any grants that expired
// unreported.
func (t *grantTracker) Record(callerID, clusterID string, ticket breaker.Ticket) []grant {
	t.mu.Lock()
	defer t.mu.Unlock()
	expired := t.purgeStale()
	k := grantKey{callerID, clusterID}
	t.grants[k] = append(t.grants[k], grant{clusterID: clusterID, ticket: ticket, at: t.now()})
	return expired
}

// Consume removes the oldest live grant for the pair. It reports false when
// there is none. Grants that expired meanwhile, for any pair, are returned
// so the caller can release them.
func (t *grantTracker) Consume(callerID, clusterID string) (grant, bool, []grant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	expired := t.purgeStale()
	k := grantKey{callerID, clusterID}
	list := t.grants[k]
	if len(list) == 0 {
		return grant{}, false, expired
	}
	g := list[0]
	if len(list) == 1 {
		delete(t.grants, k)
	} else {
		t.grants[k] = list[1:]
	}
	return g, true, expired
}

// purgeStale drops and returns expired grants. Must be called with mu held.
func (t *grantTracker) purgeStale() []grant {
	cutoff := t.now().Add(-t.window)
	var expired []grant
	for k, list := range t.grants {
		n := 0
		for n < len(list) && list[n].at.Before(cutoff) {
			n++
		}
		expired = append(expired, list[:n]...)
		switch {
		case n == len(list):
			delete(t.grants, k)
		case n > 0:
			t.grants[k] = list[n:]
		}
	}
	return expired
}
