// Package store persists per-user sync state and calendar event records.
//
// Two interfaces are defined: SyncStateStore for SyncRecords (watched
// calendars, resumption tokens, watch channels) and EventStore for
// EventRecords keyed by local id with a secondary (user, external id) key.
// Memory, Postgres and SQLite implementations are provided; Open picks one
// from a DSN.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/SwitchbackTech/compass-sub004/internal/model"
)

var (
	// ErrNotFound is returned when no SyncRecord matches a query.
	ErrNotFound = errors.New("store: not found")
	// ErrEmptyQuery is returned for a SyncQuery with no discriminator set.
	ErrEmptyQuery = errors.New("store: empty sync query")
	// ErrInvalidInput is returned for missing keys on writes.
	ErrInvalidInput = errors.New("store: invalid input")
)

type queryKind uint8

const (
	queryNone queryKind = iota
	queryByUser
	queryByResource
	queryByCalendar
	queryByChannel
)

// SyncQuery locates one SyncRecord. Build it with ByUser, ByResourceID,
// ByCalendar or ByChannel; the zero value is rejected with ErrEmptyQuery.
type SyncQuery struct {
	kind       queryKind
	UserID     string
	CalendarID string
	ResourceID string
	ChannelID  string
}

func ByUser(userID string) SyncQuery {
	return SyncQuery{kind: queryByUser, UserID: userID}
}

// ByResourceID matches the user owning an eventSync entry whose watch
// carries resourceID.
func ByResourceID(resourceID string) SyncQuery {
	return SyncQuery{kind: queryByResource, ResourceID: resourceID}
}

// ByCalendar matches userID's record only if it has an entry for calendarID.
func ByCalendar(userID, calendarID string) SyncQuery {
	return SyncQuery{kind: queryByCalendar, UserID: userID, CalendarID: calendarID}
}

// ByChannel matches the user owning an eventSync entry with channelID.
func ByChannel(channelID string) SyncQuery {
	return SyncQuery{kind: queryByChannel, ChannelID: channelID}
}

// Validate rejects queries whose discriminator or key is empty.
func (q SyncQuery) Validate() error {
	switch q.kind {
	case queryByUser:
		if q.UserID == "" {
			return ErrEmptyQuery
		}
	case queryByResource:
		if q.ResourceID == "" {
			return ErrEmptyQuery
		}
	case queryByCalendar:
		if q.UserID == "" || q.CalendarID == "" {
			return ErrEmptyQuery
		}
	case queryByChannel:
		if q.ChannelID == "" {
			return ErrEmptyQuery
		}
	default:
		return ErrEmptyQuery
	}
	return nil
}

func (q SyncQuery) String() string {
	switch q.kind {
	case queryByUser:
		return "user=" + q.UserID
	case queryByResource:
		return "resource=" + q.ResourceID
	case queryByCalendar:
		return "user=" + q.UserID + " calendar=" + q.CalendarID
	case queryByChannel:
		return "channel=" + q.ChannelID
	default:
		return "empty"
	}
}

// matches reports whether rec satisfies q. Used by the memory store and as
// the post-filter for SQL lookups.
func (q SyncQuery) matches(rec *model.SyncRecord) bool {
	switch q.kind {
	case queryByUser:
		return rec.UserID == q.UserID
	case queryByResource:
		_, ok := rec.EventSyncByResource(q.ResourceID)
		return ok
	case queryByCalendar:
		if rec.UserID != q.UserID {
			return false
		}
		_, ok := rec.EventSync(q.CalendarID)
		return ok
	case queryByChannel:
		for _, es := range rec.EventSyncs {
			if es.ChannelID == q.ChannelID {
				return true
			}
		}
	}
	return false
}

// SyncStateStore persists SyncRecords.
type SyncStateStore interface {
	// Find returns the record matching q, ErrNotFound or ErrEmptyQuery.
	Find(ctx context.Context, q SyncQuery) (*model.SyncRecord, error)

	// ListUsers returns every user id with a SyncRecord, sorted.
	ListUsers(ctx context.Context) ([]string, error)

	// SaveWatch writes the watch fields of es (ResourceID, ChannelID,
	// ChannelExpiration, LastRefreshedAt) for es.CalendarID, creating the
	// user's record and the entry if needed. Token fields are left untouched.
	SaveWatch(ctx context.Context, userID string, es model.EventSync) error

	// SetSyncToken unconditionally stores token for the calendar, creating the
	// entry if needed.
	SetSyncToken(ctx context.Context, userID, calendarID, token string, syncedAt time.Time) error

	// CompareAndSwapSyncToken stores next only if the current token equals
	// expected. A lost swap returns syncerr.ErrTokenConflict.
	CompareAndSwapSyncToken(ctx context.Context, userID, calendarID, expected, next string, syncedAt time.Time) error

	// SetCalendarList records the calendar-list cursor.
	SetCalendarList(ctx context.Context, userID string, cl model.CalendarListSync) error

	// Delete removes the user's SyncRecord.
	Delete(ctx context.Context, userID string) error
}

// UpsertFailure records one record that could not be written.
type UpsertFailure struct {
	ExternalID string
	Err        error
}

// UpsertResult summarizes a BulkUpsert.
type UpsertResult struct {
	Created  int
	Updated  int
	Failures []UpsertFailure
}

// EventStore persists EventRecords.
type EventStore interface {
	// FindByExternalIDs returns the stored records for userID keyed by
	// external id. Unknown ids are absent from the map.
	FindByExternalIDs(ctx context.Context, userID string, externalIDs []string) (map[string]*model.EventRecord, error)

	// BulkUpsert inserts or replaces each record by (user, external id). An
	// existing record keeps its local id, which is written back to the
	// passed-in record. Per-record failures are reported in the result and do
	// not abort the batch.
	BulkUpsert(ctx context.Context, records []*model.EventRecord) (UpsertResult, error)

	// DeleteByExternalIDs removes records matching externalIDs together with
	// any instances whose parent external id is in the set. It returns the
	// number of records removed.
	DeleteByExternalIDs(ctx context.Context, userID string, externalIDs []string) (int, error)

	// List returns the calendar's records ordered by start then external id.
	List(ctx context.Context, userID, calendarID string) ([]*model.EventRecord, error)

	// DeleteUser removes every record for userID.
	DeleteUser(ctx context.Context, userID string) (int, error)
}

// Backend bundles both stores over one connection.
type Backend interface {
	SyncStateStore
	EventStore
	Close() error
}
