package engine

import (
	"strconv"
	"time"

	"github.com/p-blackswan/area/internal/connector"
	"github.com/p-blackswan/area/internal/store"
)

// Ambient execution context keys. They override payload fields of the same name.
const (
	KeyCurrentTime      = "current_time"
	KeyCurrentDate      = "current_date"
	KeyCurrentTimestamp = "current_timestamp"
	KeyAreaID           = "area_id"
	KeyAreaName         = "area_name"
	KeyEventID          = "event_id"
	KeyTriggerTime      = "trigger_time"
)

// maxFlattenDepth bounds how deep nested payload maps are expanded.
const maxFlattenDepth = 4

// BuildContext assembles the execution context of one event: the payload
// with nested maps flattened to "parent_child" keys (the nested values stay
// reachable under their original key and through dotted placeholders), plus
// the ambient fields.
func BuildContext(area *store.Area, ev connector.Event, now time.Time) map[string]any {
	ctx := make(map[string]any, len(ev.Payload)+8)
	for k, v := range ev.Payload {
		ctx[k] = v
	}
	for k, v := range ev.Payload {
		if nested, ok := v.(map[string]any); ok {
			flatten(ctx, k, nested, 1)
		}
	}

	now = now.UTC()
	triggered := ev.OccurredAt
	if triggered.IsZero() {
		triggered = now
	}

	ctx[KeyCurrentTime] = now.Format(time.RFC3339)
	ctx[KeyCurrentDate] = now.Format("2006-01-02")
	ctx[KeyCurrentTimestamp] = strconv.FormatInt(now.Unix(), 10)
	ctx[KeyAreaID] = area.ID
	ctx[KeyAreaName] = area.Name
	ctx[KeyEventID] = ev.ID
	ctx[KeyTriggerTime] = triggered.UTC().Format(time.RFC3339)
	return ctx
}

func flatten(dst map[string]any, prefix string, src map[string]any, depth int) {
	for k, v := range src {
		key := prefix + "_" + k
		if _, taken := dst[key]; !taken {
			dst[key] = v
		}
		if nested, ok := v.(map[string]any); ok && depth < maxFlattenDepth {
			flatten(dst, key, nested, depth+1)
		}
	}
}
