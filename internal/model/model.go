package model

import "time"

// Recurrence describes how an EventRecord participates in a recurring series.
// Exactly one of Rule or EventID is set; a plain single event carries no
// Recurrence at all.
type Recurrence struct {
	// Rule holds the provider's repeat pattern lines (RRULE/EXDATE/RDATE).
	// A non-empty Rule marks the record as a base event.
	Rule []string `json:"rule,omitempty"`

	// EventID is the local id of the base record this instance belongs to.
	EventID string `json:"eventId,omitempty"`
}

// IsBase reports whether r marks a base (repeat pattern) record.
func (r *Recurrence) IsBase() bool {
	return r != nil && len(r.Rule) > 0 && r.EventID == ""
}

// IsInstance reports whether r links to a base record.
func (r *Recurrence) IsInstance() bool {
	return r != nil && r.EventID != ""
}

// EventRecord is the locally held shape of one provider event, one recurring
// base or one expanded instance.
type EventRecord struct {
	// ID is the local id. It is assigned once and never changed.
	ID string `json:"id"`

	UserID     string `json:"userId"`
	CalendarID string `json:"calendarId"`

	// ExternalID is the provider's event id.
	ExternalID string `json:"externalId"`

	// ParentExternalID is the provider id of the base event for instances
	// (the provider's recurringEventId). Empty for bases and single events.
	ParentExternalID string `json:"parentExternalId,omitempty"`

	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status,omitempty"`

	AllDay bool      `json:"allDay"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`

	// OriginalStart is the slot an instance occupied in its series before any
	// override moved it.
	OriginalStart time.Time `json:"originalStart,omitempty"`

	Recurrence *Recurrence `json:"recurrence,omitempty"`

	// Updated is the provider's last modification time.
	Updated time.Time `json:"updated,omitempty"`
}

// IsBase reports whether the record defines a repeat pattern.
func (e *EventRecord) IsBase() bool {
	return e.ParentExternalID == "" && e.Recurrence.IsBase()
}

// IsInstance reports whether the record belongs to a recurring series,
// linked or not.
func (e *EventRecord) IsInstance() bool {
	return e.ParentExternalID != ""
}

// Clone returns a deep copy of e.
func (e *EventRecord) Clone() *EventRecord {
	if e == nil {
		return nil
	}
	out := *e
	if e.Recurrence != nil {
		rec := *e.Recurrence
		if e.Recurrence.Rule != nil {
			rec.Rule = append([]string(nil), e.Recurrence.Rule...)
		}
		out.Recurrence = &rec
	}
	return &out
}

// CalendarListSync tracks the user's calendar-list delta cursor.
type CalendarListSync struct {
	CalendarID   string    `json:"calendarId"`
	SyncToken    string    `json:"syncToken,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}

// EventSync is the per-calendar sync and watch state.
type EventSync struct {
	CalendarID string `json:"calendarId"`

	// ResourceID is assigned by the provider per watch channel.
	ResourceID string `json:"resourceId,omitempty"`

	// ChannelID is chosen by us when the watch is started.
	ChannelID         string    `json:"channelId,omitempty"`
	ChannelExpiration time.Time `json:"channelExpiration,omitempty"`

	SyncToken       string    `json:"syncToken,omitempty"`
	LastSyncedAt    time.Time `json:"lastSyncedAt,omitempty"`
	LastRefreshedAt time.Time `json:"lastRefreshedAt,omitempty"`
}

// Watching reports whether a push channel is currently associated.
func (s EventSync) Watching() bool {
	return s.ChannelID != ""
}

// ExpiresWithin reports whether the channel expires before now+d.
func (s EventSync) ExpiresWithin(now time.Time, d time.Duration) bool {
	if !s.Watching() {
		return false
	}
	if s.ChannelExpiration.IsZero() {
		return true
	}
	return s.ChannelExpiration.Before(now.Add(d))
}

// SyncRecord is the per-user sync state: the calendar-list cursor and one
// EventSync entry per watched calendar.
type SyncRecord struct {
	UserID       string           `json:"userId"`
	CalendarList CalendarListSync `json:"calendarList"`
	EventSyncs   []EventSync      `json:"eventSyncs"`
}

// EventSync returns the entry for calendarID.
func (r *SyncRecord) EventSync(calendarID string) (EventSync, bool) {
	if r == nil {
		return EventSync{}, false
	}
	for _, es := range r.EventSyncs {
		if es.CalendarID == calendarID {
			return es, true
		}
	}
	return EventSync{}, false
}

// EventSyncByResource returns the entry whose watch carries resourceID.
func (r *SyncRecord) EventSyncByResource(resourceID string) (EventSync, bool) {
	if r == nil || resourceID == "" {
		return EventSync{}, false
	}
	for _, es := range r.EventSyncs {
		if es.ResourceID == resourceID {
			return es, true
		}
	}
	return EventSync{}, false
}

// PutEventSync inserts or replaces the entry for es.CalendarID, keeping at
// most one entry per calendar.
func (r *SyncRecord) PutEventSync(es EventSync) {
	for i := range r.EventSyncs {
		if r.EventSyncs[i].CalendarID == es.CalendarID {
			r.EventSyncs[i] = es
			return
		}
	}
	r.EventSyncs = append(r.EventSyncs, es)
}

// Clone returns a deep copy of r.
func (r *SyncRecord) Clone() *SyncRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.EventSyncs = append([]EventSync(nil), r.EventSyncs...)
	return &out
}
