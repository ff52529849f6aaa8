package importer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

// Accumulator is the state of one full import run, shared by both passes.
type Accumulator struct {
	claimed    map[string]struct{}
	baseStarts map[string]time.Time
	Bases      BaseIndex
	seen       map[string]struct{}
	Saved      int
	SavedBases int
	Failed     int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		claimed:    make(map[string]struct{}),
		baseStarts: make(map[string]time.Time),
		Bases:      make(BaseIndex),
		seen:       make(map[string]struct{}),
	}
}

// Claim marks an external id as saved by the base/single pass.
func (a *Accumulator) Claim(externalID string) {
	a.claimed[externalID] = struct{}{}
}

func (a *Accumulator) Claimed(externalID string) bool {
	_, ok := a.claimed[externalID]
	return ok
}

// RecordBase remembers a base's start for first-instance deduplication.
func (a *Accumulator) RecordBase(externalID string, start time.Time) {
	a.claimed[externalID] = struct{}{}
	a.baseStarts[externalID] = start
}

// DuplicatesBase reports an instance that starts exactly where its base
// starts.
func (a *Accumulator) DuplicatesBase(parentExternalID string, start time.Time) bool {
	bs, ok := a.baseStarts[parentExternalID]
	return ok && bs.Equal(start)
}

// FullResult summarizes a full import.
type FullResult struct {
	Total     int
	Bases     int
	Instances int
	Pruned    int
	SyncToken string
}

// FullImporter bootstraps a calendar with a two-pass walk: bases and single
// events first, then expanded instances.
type FullImporter struct {
	Provider   gcal.Provider
	Events     store.EventStore
	MaxResults int64
	NewID      func() string
}

func NewFullImporter(provider gcal.Provider, events store.EventStore, maxResults int64) *FullImporter {
	return &FullImporter{
		Provider:   provider,
		Events:     events,
		MaxResults: maxResults,
		NewID:      uuid.NewString,
	}
}

type passKind int

const (
	passBases passKind = iota + 1
	passInstances
)

func (k passKind) String() string {
	if k == passBases {
		return "bases"
	}
	return "instances"
}

// Import walks every page twice and returns the persisted count and the
// resumption token for later incremental runs. The token comes from the
// base pass since incremental runs list without instance expansion.
func (f *FullImporter) Import(ctx context.Context, userID, calendarID string) (FullResult, error) {
	acc := NewAccumulator()
	started := time.Now()
	appLog.Info("full import started", "user_id", userID, "calendar_id", calendarID)

	token, clean1, err := f.walk(ctx, userID, calendarID, passBases, acc)
	if err != nil {
		return FullResult{}, err
	}
	_, clean2, err := f.walk(ctx, userID, calendarID, passInstances, acc)
	if err != nil {
		return FullResult{}, err
	}
	if token == "" {
		return FullResult{}, syncerr.New(syncerr.KindNoResumptionToken, "full import", errors.New("last page carried no sync token"))
	}

	res := FullResult{
		Total:     acc.Saved,
		Bases:     acc.SavedBases,
		SyncToken: token,
	}
	res.Instances = res.Total - res.Bases

	if clean1 && clean2 && acc.Failed == 0 {
		pruned, err := f.prune(ctx, userID, calendarID, acc)
		if err != nil {
			appLog.Error("full import prune failed", err, "user_id", userID, "calendar_id", calendarID)
		}
		res.Pruned = pruned
	}

	appLog.Info("full import finished",
		"user_id", userID,
		"calendar_id", calendarID,
		"total", res.Total,
		"bases", res.Bases,
		"failed", acc.Failed,
		"pruned", res.Pruned,
		"elapsed", time.Since(started).String(),
	)
	return res, nil
}

// walk runs one pass. It returns the last page's sync token and whether the
// pass reached the last page. A failed first page is fatal; a failure after
// that stops the pass.
func (f *FullImporter) walk(ctx context.Context, userID, calendarID string, kind passKind, acc *Accumulator) (string, bool, error) {
	req := gcal.ListRequest{
		CalendarID:   calendarID,
		MaxResults:   f.MaxResults,
		SingleEvents: kind == passInstances,
	}
	for pageNo := 0; ; pageNo++ {
		page, err := f.Provider.ListEvents(ctx, userID, req)
		if err == nil && page == nil {
			err = errors.New("empty response")
		}
		if err != nil {
			if pageNo == 0 || errors.Is(err, syncerr.ErrAccessRevoked) {
				return "", false, wrapFetch("full import "+kind.String()+" pass", err)
			}
			appLog.Error("full import page failed, stopping pass", err,
				"user_id", userID, "calendar_id", calendarID, "pass", kind.String(), "page", pageNo)
			return "", false, nil
		}

		var batch []*calendar.Event
		for _, ev := range page.Items {
			if f.keep(kind, ev, acc) {
				batch = append(batch, ev)
			}
		}
		if err := f.save(ctx, userID, calendarID, batch, acc); err != nil {
			return "", false, err
		}

		if page.Last() {
			return page.NextSyncToken, true, nil
		}
		req.PageToken = page.NextPageToken
	}
}

// keep applies the per-pass filter and updates the accumulator.
func (f *FullImporter) keep(kind passKind, ev *calendar.Event, acc *Accumulator) bool {
	if ev == nil || ev.Id == "" || ev.Status == gcal.StatusCancelled {
		return false
	}
	switch kind {
	case passBases:
		if ev.RecurringEventId != "" {
			return false
		}
		if len(ev.Recurrence) > 0 {
			start, _, err := gcal.EventTime(ev.Start)
			if err != nil {
				return false
			}
			acc.RecordBase(ev.Id, start)
			return true
		}
		acc.Claim(ev.Id)
		return true
	default:
		if acc.Claimed(ev.Id) {
			return false
		}
		if ev.RecurringEventId != "" {
			start, _, err := gcal.EventTime(ev.Start)
			if err == nil && acc.DuplicatesBase(ev.RecurringEventId, start) {
				return false
			}
		}
		return true
	}
}

func (f *FullImporter) save(ctx context.Context, userID, calendarID string, batch []*calendar.Event, acc *Accumulator) error {
	if len(batch) == 0 {
		return nil
	}
	records := make([]*model.EventRecord, 0, len(batch))
	for _, ev := range batch {
		rec, err := Convert(userID, calendarID, ev)
		if err != nil {
			appLog.Error("skip unconvertible event", err, "user_id", userID, "calendar_id", calendarID)
			acc.Failed++
			continue
		}
		records = append(records, rec)
	}
	if err := adoptStoredIDs(ctx, f.Events, userID, records, acc.Bases); err != nil {
		return syncerr.New(syncerr.KindPersistence, "full import lookup", err)
	}
	for _, rec := range Link(records, acc.Bases, f.NewID) {
		appLog.Warn("instance base not seen yet", "user_id", userID, "event_id", rec.ExternalID, "parent_id", rec.ParentExternalID)
	}
	res, err := f.Events.BulkUpsert(ctx, records)
	if err != nil {
		return syncerr.New(syncerr.KindPersistence, "full import upsert", err)
	}
	failed := make(map[string]struct{}, len(res.Failures))
	for _, fail := range res.Failures {
		appLog.Error("event upsert failed", fail.Err, "user_id", userID, "calendar_id", calendarID, "event_id", fail.ExternalID)
		failed[fail.ExternalID] = struct{}{}
	}
	for _, rec := range records {
		if _, bad := failed[rec.ExternalID]; !bad && rec.IsBase() {
			acc.SavedBases++
		}
	}
	acc.Bases.Register(records)
	for _, rec := range records {
		acc.seen[rec.ExternalID] = struct{}{}
	}
	acc.Saved += res.Created + res.Updated
	acc.Failed += len(res.Failures)
	return nil
}

// prune removes stored records of the calendar the provider no longer
// returns, so a re-bootstrap converges on the provider's state.
func (f *FullImporter) prune(ctx context.Context, userID, calendarID string, acc *Accumulator) (int, error) {
	stored, err := f.Events.List(ctx, userID, calendarID)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, rec := range stored {
		if _, ok := acc.seen[rec.ExternalID]; !ok {
			stale = append(stale, rec.ExternalID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	return f.Events.DeleteByExternalIDs(ctx, userID, stale)
}

func wrapFetch(op string, err error) error {
	switch syncerr.KindOf(err) {
	case syncerr.KindInvalidToken, syncerr.KindAccessRevoked, syncerr.KindProviderFetch:
		return err
	}
	return syncerr.New(syncerr.KindProviderFetch, op, err)
}
