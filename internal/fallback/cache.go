package fallback

import (
	"sync"
	"time"

	"citypulse/internal/model"
)

const (
	// DefaultCapacity bounds the per-domain history.
	DefaultCapacity = 5
	// DefaultMaxAge is how old a cached entry may be and still be served.
	DefaultMaxAge = 10 * time.Minute

	// PlaceholderStationID marks the reading inside a generated weather payload.
	PlaceholderStationID = "fallback-placeholder"
)

// Entry is one accepted payload. Entries are never modified once stored.
type Entry struct {
	Domain       model.Domain  `json:"domain"`
	Payload      model.Payload `json:"payload"`
	CapturedAt   time.Time     `json:"captured_at"`
	QualityScore int           `json:"quality_score"`
}

// Age returns how long ago the entry was captured.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CapturedAt)
}

// Cache keeps the last few accepted payloads per domain.
type Cache struct {
	capacity int
	now      func() time.Time

	mu      sync.RWMutex
	history map[model.Domain][]Entry
	last    map[model.Domain]Entry
}

// New constructs a Cache. Non-positive capacity means DefaultCapacity; a nil clock
// means time.Now.
func New(capacity int, now func() time.Time) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		capacity: capacity,
		now:      now,
		history:  make(map[model.Domain][]Entry),
		last:     make(map[model.Domain]Entry),
	}
}

// Put records an accepted payload and makes it the domain's last successful entry,
// regardless of how its score compares to older entries.
func (c *Cache) Put(domain model.Domain, payload model.Payload, score int) Entry {
	entry := Entry{
		Domain:       domain,
		Payload:      payload,
		CapturedAt:   c.now(),
		QualityScore: score,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h := append(c.history[domain], entry)
	if over := len(h) - c.capacity; over > 0 {
		h = append([]Entry(nil), h[over:]...)
	}
	c.history[domain] = h
	c.last[domain] = entry
	return entry
}

// LastSuccessful returns the most recently stored entry for domain.
func (c *Cache) LastSuccessful(domain model.Domain) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.last[domain]
	return e, ok
}

// IsUsable reports whether entry is strictly younger than maxAge.
func (c *Cache) IsUsable(entry Entry, maxAge time.Duration) bool {
	if entry.CapturedAt.IsZero() {
		return false
	}
	return c.now().Sub(entry.CapturedAt) < maxAge
}

// Usable returns the last successful entry for domain when it is still usable.
func (c *Cache) Usable(domain model.Domain, maxAge time.Duration) (Entry, bool) {
	e, ok := c.LastSuccessful(domain)
	if !ok || !c.IsUsable(e, maxAge) {
		return Entry{}, false
	}
	return e, true
}

// Entries returns the domain's history, oldest first.
func (c *Cache) Entries(domain model.Domain) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.history[domain]...)
}

// EvictOlderThan drops history entries captured before cutoff and returns how many
// were removed. The last successful entry of each domain is always kept.
func (c *Cache) EvictOlderThan(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for domain, h := range c.history {
		last, hasLast := c.last[domain]
		kept := h[:0:0]
		for _, e := range h {
			if e.CapturedAt.Before(cutoff) && !(hasLast && e.CapturedAt.Equal(last.CapturedAt)) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		c.history[domain] = kept
	}
	return removed
}

// Generate builds a minimal synthetic payload so consumers always have something to
// render. Weather gets one placeholder reading without a value, camera an empty list.
func Generate(domain model.Domain, now time.Time) model.Payload {
	switch domain {
	case model.DomainWeather:
		p := model.NewWeatherPayload(&model.WeatherPayload{
			Timestamp: now,
			Stations:  []model.Station{{ID: PlaceholderStationID, Name: "No live data"}},
			Readings:  []model.WeatherReading{{StationID: PlaceholderStationID, Metric: model.MetricTemperature}},
		})
		p.Synthetic = true
		return p
	case model.DomainCamera:
		p := model.NewCameraPayload(&model.CameraPayload{Timestamp: now, Captures: []model.CameraCapture{}})
		p.Synthetic = true
		return p
	default:
		return model.Payload{Domain: domain, Synthetic: true}
	}
}

// DomainSnapshot is the serialisable state of one domain.
type DomainSnapshot struct {
	Entries        []Entry `json:"entries"`
	LastSuccessful *Entry  `json:"last_successful,omitempty"`
}

// Snapshot is the serialisable state of the whole cache.
type Snapshot map[model.Domain]DomainSnapshot

// Snapshot copies the cache contents.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(Snapshot, len(c.history))
	for domain, h := range c.history {
		ds := DomainSnapshot{Entries: append([]Entry(nil), h...)}
		if last, ok := c.last[domain]; ok {
			ds.LastSuccessful = &last
		}
		out[domain] = ds
	}
	return out
}

// Restore replaces the cache contents with snap, trimming each history to capacity.
func (c *Cache) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = make(map[model.Domain][]Entry, len(snap))
	c.last = make(map[model.Domain]Entry, len(snap))
	for domain, ds := range snap {
		h := ds.Entries
		if over := len(h) - c.capacity; over > 0 {
			h = h[over:]
		}
		c.history[domain] = append([]Entry(nil), h...)
		switch {
		case ds.LastSuccessful != nil:
			c.last[domain] = *ds.LastSuccessful
		case len(h) > 0:
			c.last[domain] = h[len(h)-1]
		}
	}
}
