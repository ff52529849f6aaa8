package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

// Memory is an in-process Backend. Records are cloned on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	syncs  map[string]*model.SyncRecord
	events map[string]map[string]*model.EventRecord // user -> external id -> record

	// FailUpsert, if set, is consulted per record and a non-nil error makes
	// that record fail. Tests use it to exercise per-record failure handling.
	FailUpsert func(*model.EventRecord) error
}

func NewMemory() *Memory {
	return &Memory{
		syncs:  make(map[string]*model.SyncRecord),
		events: make(map[string]map[string]*model.EventRecord),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Find(_ context.Context, q SyncQuery) (*model.SyncRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.kind == queryByUser || q.kind == queryByCalendar {
		rec, ok := m.syncs[q.UserID]
		if !ok || !q.matches(rec) {
			return nil, ErrNotFound
		}
		return rec.Clone(), nil
	}
	for _, uid := range m.sortedUsersLocked() {
		rec := m.syncs[uid]
		if q.matches(rec) {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedUsersLocked(), nil
}

func (m *Memory) sortedUsersLocked() []string {
	out := make([]string, 0, len(m.syncs))
	for uid := range m.syncs {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) recordLocked(userID string) *model.SyncRecord {
	rec, ok := m.syncs[userID]
	if !ok {
		rec = &model.SyncRecord{UserID: userID}
		m.syncs[userID] = rec
	}
	return rec
}

func (m *Memory) SaveWatch(_ context.Context, userID string, es model.EventSync) error {
	if userID == "" || es.CalendarID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(userID)
	cur, _ := rec.EventSync(es.CalendarID)
	cur.CalendarID = es.CalendarID
	cur.ResourceID = es.ResourceID
	cur.ChannelID = es.ChannelID
	cur.ChannelExpiration = es.ChannelExpiration
	cur.LastRefreshedAt = es.LastRefreshedAt
	rec.PutEventSync(cur)
	return nil
}

func (m *Memory) SetSyncToken(_ context.Context, userID, calendarID, token string, syncedAt time.Time) error {
	if userID == "" || calendarID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(userID)
	es, _ := rec.EventSync(calendarID)
	es.CalendarID = calendarID
	es.SyncToken = token
	es.LastSyncedAt = syncedAt
	rec.PutEventSync(es)
	return nil
}

func (m *Memory) CompareAndSwapSyncToken(_ context.Context, userID, calendarID, expected, next string, syncedAt time.Time) error {
	if userID == "" || calendarID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(userID)
	es, _ := rec.EventSync(calendarID)
	if es.SyncToken != expected {
		return syncerr.New(syncerr.KindTokenConflict, "compare and swap sync token", nil)
	}
	es.CalendarID = calendarID
	es.SyncToken = next
	es.LastSyncedAt = syncedAt
	rec.PutEventSync(es)
	return nil
}

func (m *Memory) SetCalendarList(_ context.Context, userID string, cl model.CalendarListSync) error {
	if userID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(userID).CalendarList = cl
	return nil
}

func (m *Memory) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.syncs, userID)
	return nil
}

func (m *Memory) FindByExternalIDs(_ context.Context, userID string, externalIDs []string) (map[string]*model.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*model.EventRecord)
	byExt := m.events[userID]
	for _, id := range externalIDs {
		if rec, ok := byExt[id]; ok {
			out[id] = rec.Clone()
		}
	}
	return out, nil
}

func (m *Memory) BulkUpsert(_ context.Context, records []*model.EventRecord) (UpsertResult, error) {
	var res UpsertResult
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if rec.UserID == "" || rec.ExternalID == "" {
			res.Failures = append(res.Failures, UpsertFailure{ExternalID: rec.ExternalID, Err: ErrInvalidInput})
			continue
		}
		if m.FailUpsert != nil {
			if err := m.FailUpsert(rec); err != nil {
				res.Failures = append(res.Failures, UpsertFailure{ExternalID: rec.ExternalID, Err: err})
				continue
			}
		}
		byExt, ok := m.events[rec.UserID]
		if !ok {
			byExt = make(map[string]*model.EventRecord)
			m.events[rec.UserID] = byExt
		}
		if existing, ok := byExt[rec.ExternalID]; ok {
			rec.ID = existing.ID
			res.Updated++
		} else {
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			res.Created++
		}
		byExt[rec.ExternalID] = rec.Clone()
	}
	return res, nil
}

func (m *Memory) DeleteByExternalIDs(_ context.Context, userID string, externalIDs []string) (int, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	set := make(map[string]struct{}, len(externalIDs))
	for _, id := range externalIDs {
		set[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byExt := m.events[userID]
	n := 0
	for ext, rec := range byExt {
		_, direct := set[ext]
		_, parent := set[rec.ParentExternalID]
		if direct || (rec.ParentExternalID != "" && parent) {
			delete(byExt, ext)
			n++
		}
	}
	return n, nil
}

func (m *Memory) List(_ context.Context, userID, calendarID string) ([]*model.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.EventRecord
	for _, rec := range m.events[userID] {
		if calendarID == "" || rec.CalendarID == calendarID {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) DeleteUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.events[userID])
	delete(m.events, userID)
	return n, nil
}

func sortRecords(recs []*model.EventRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Start.Equal(recs[j].Start) {
			return recs[i].Start.Before(recs[j].Start)
		}
		return recs[i].ExternalID < recs[j].ExternalID
	})
}
