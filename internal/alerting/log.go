package alerting

import (
	"sort"
	"sync"
	"time"
)

// DefaultRetention is how long alerts stay in the log.
const DefaultRetention = 24 * time.Hour

// Log is a time-bounded list of alerts, oldest first.
type Log struct {
	retention time.Duration

	mu     sync.RWMutex
	alerts []Alert
}

// NewLog constructs a Log. Non-positive retention means DefaultRetention.
func NewLog(retention time.Duration) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{retention: retention}
}

// Append adds alerts to the log.
func (l *Log) Append(alerts ...Alert) {
	if len(alerts) == 0 {
		return
	}
	l.mu.Lock()
	l.alerts = append(l.alerts, alerts...)
	l.mu.Unlock()
}

// Prune drops alerts older than the retention window and returns how many went.
func (l *Log) Prune(now time.Time) int {
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.alerts[:0]
	for _, a := range l.alerts {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, a)
	}
	removed := len(l.alerts) - len(kept)
	clear(l.alerts[len(kept):])
	l.alerts = kept
	return removed
}

// Since returns the alerts raised at or after t, newest first.
func (l *Log) Since(t time.Time) []Alert {
	l.mu.RLock()
	out := make([]Alert, 0, len(l.alerts))
	for _, a := range l.alerts {
		if !a.Timestamp.Before(t) {
			out = append(out, a)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Len returns the number of retained alerts.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.alerts)
}

// Snapshot copies the log in insertion order.
func (l *Log) Snapshot() []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Alert(nil), l.alerts...)
}

// Restore replaces the log contents.
func (l *Log) Restore(alerts []Alert) {
	l.mu.Lock()
	l.alerts = append([]Alert(nil), alerts...)
	l.mu.Unlock()
}
