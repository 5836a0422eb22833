package engine

import (
	"time"

	"github.com/p-blackswan/area/lru"
)

// dedupe remembers recently handled events per area so a connector that
// re-reports an event inside the window does not fire the reaction twice.
type dedupe struct {
	seen *lru.Cache[string, struct{}]
}

func newDedupe(capacity int, window time.Duration) *dedupe {
	if capacity < 1 || window <= 0 {
		return nil
	}
	return &dedupe{seen: lru.New(capacity, lru.WithTTL[string, struct{}](window))}
}

func dedupeKey(areaID, eventID string) string {
	return areaID + "/" + eventID
}

// Seen reports whether the event was already handled. A nil dedupe sees nothing.
func (d *dedupe) Seen(areaID, eventID string) bool {
	if d == nil || eventID == "" {
		return false
	}
	return d.seen.Contains(dedupeKey(areaID, eventID))
}

// Mark records the event as handled.
func (d *dedupe) Mark(areaID, eventID string) {
	if d == nil || eventID == "" {
		return
	}
	d.seen.Put(dedupeKey(areaID, eventID), struct{}{})
}

func (d *dedupe) Len() int {
	if d == nil {
		return 0
	}
	return d.seen.Len()
}
