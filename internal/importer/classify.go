// Package importer pulls provider calendar events into the EventStore: the
// two-pass full import, the token-driven incremental import, and the
// classification, recurrence resolution and id linking steps they share.
package importer

import (
	"google.golang.org/api/calendar/v3"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
)

// Classification is one page of provider events split for reconciliation.
// ToDelete and ToUpdate never share an external id.
type Classification struct {
	ToDelete     []string
	ToUpdate     []*calendar.Event
	Recurring    []*calendar.Event
	NonRecurring []*calendar.Event
}

// Classify partitions items into cancelled ids and events to upsert, and the
// latter into recurring (instance or base) and plain events.
func Classify(items []*calendar.Event) Classification {
	var out Classification
	deleted := make(map[string]struct{})
	for _, ev := range items {
		if ev == nil || ev.Id == "" {
			continue
		}
		if ev.Status == gcal.StatusCancelled {
			if _, seen := deleted[ev.Id]; !seen {
				deleted[ev.Id] = struct{}{}
				out.ToDelete = append(out.ToDelete, ev.Id)
			}
		}
	}
	for _, ev := range items {
		if ev == nil || ev.Id == "" {
			continue
		}
		if _, gone := deleted[ev.Id]; gone {
			continue
		}
		out.ToUpdate = append(out.ToUpdate, ev)
		if isRecurring(ev) {
			out.Recurring = append(out.Recurring, ev)
		} else {
			out.NonRecurring = append(out.NonRecurring, ev)
		}
	}
	return out
}

func isRecurring(ev *calendar.Event) bool {
	return ev.RecurringEventId != "" || len(ev.Recurrence) > 0
}

// isBaseEvent reports a provider event that defines a repeat pattern itself.
func isBaseEvent(ev *calendar.Event) bool {
	return ev.RecurringEventId == "" && len(ev.Recurrence) > 0
}
