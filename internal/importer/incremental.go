package importer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

// IncrementalResult summarizes one delta run. SyncToken is the token the
// calendar resumes from next: the new one after a complete run, the input
// one otherwise.
type IncrementalResult struct {
	Created  int
	Updated  int
	Deleted  int
	Pages    int
	Unlinked int

	// Incomplete is set when a later page failed and the run stopped early.
	Incomplete bool

	SyncToken string
}

// Changed reports whether the run touched any record.
func (r IncrementalResult) Changed() bool {
	return r.Created+r.Updated+r.Deleted > 0
}

// IncrementalImporter applies provider changes since a sync token.
type IncrementalImporter struct {
	Provider   gcal.Provider
	Events     store.EventStore
	States     store.SyncStateStore
	Resolver   *Resolver
	MaxResults int64
	NewID      func() string
	Now        func() time.Time
}

func NewIncrementalImporter(provider gcal.Provider, events store.EventStore, states store.SyncStateStore, resolver *Resolver, maxResults int64) *IncrementalImporter {
	return &IncrementalImporter{
		Provider:   provider,
		Events:     events,
		States:     states,
		Resolver:   resolver,
		MaxResults: maxResults,
		NewID:      uuid.NewString,
		Now:        time.Now,
	}
}

// Import fetches every change page after syncToken, applies it page by page
// and, once the provider hands out a new sync token, swaps it in for
// syncToken. The swap fails with ErrTokenConflict if another run advanced
// the calendar meanwhile.
//
// Pages without items are skipped while a continuation token remains; a run
// that saw no items at all keeps the input token and writes nothing.
//
// An invalid token or revoked access is returned as is so the caller can
// bootstrap or disconnect. A failed first page is fatal; a failed later
// page stops the run with the partial counts, Incomplete set and the input
// token.
func (im *IncrementalImporter) Import(ctx context.Context, userID, calendarID, syncToken string) (IncrementalResult, error) {
	res := IncrementalResult{SyncToken: syncToken}
	bases := make(BaseIndex)
	var pending []*model.EventRecord
	started := time.Now()

	var pageToken string
	applied := false
	for {
		req := gcal.ListRequest{
			CalendarID: calendarID,
			MaxResults: im.MaxResults,
		}
		switch {
		case pageToken != "":
			req.PageToken = pageToken
		case syncToken != "":
			req.SyncToken = syncToken
		default:
			return res, syncerr.New(syncerr.KindNoResumptionToken, "incremental import", errors.New("no page or sync token"))
		}

		page, err := im.Provider.ListEvents(ctx, userID, req)
		if err == nil && page == nil {
			err = errors.New("empty response")
		}
		if err != nil {
			if res.Pages == 0 {
				return res, wrapFetch("incremental import", err)
			}
			switch syncerr.KindOf(err) {
			case syncerr.KindInvalidToken, syncerr.KindAccessRevoked:
				return res, err
			}
			appLog.Error("incremental page failed, stopping run", err,
				"user_id", userID, "calendar_id", calendarID, "page", res.Pages)
			return im.stopEarly(ctx, userID, calendarID, bases, pending, res), nil
		}
		res.Pages++

		if len(page.Items) > 0 {
			applied = true
			if err := im.applyPage(ctx, userID, calendarID, page, bases, &pending, &res); err != nil {
				return res, err
			}
		}

		if !page.Last() {
			pageToken = page.NextPageToken
			continue
		}
		if !applied {
			appLog.Debug("incremental import found no changes", "user_id", userID, "calendar_id", calendarID, "pages", res.Pages)
			return res, nil
		}
		if page.NextSyncToken == "" {
			return res, syncerr.New(syncerr.KindNoResumptionToken, "incremental import", errors.New("last page carried no sync token"))
		}
		return im.finish(ctx, userID, calendarID, syncToken, page.NextSyncToken, bases, pending, res, started)
	}
}

// stopEarly ends a run whose later page could not be fetched. Applied pages
// stay; pending instances are relinked where possible and the input token is
// kept so the next run replays the missing pages.
func (im *IncrementalImporter) stopEarly(ctx context.Context, userID, calendarID string, bases BaseIndex, pending []*model.EventRecord, res IncrementalResult) IncrementalResult {
	still, err := im.relink(ctx, userID, pending, bases)
	if err != nil {
		appLog.Error("relink failed", err, "user_id", userID, "calendar_id", calendarID)
	}
	res.Unlinked = len(still)
	res.Incomplete = true
	appLog.Warn("incremental import incomplete",
		"user_id", userID,
		"calendar_id", calendarID,
		"pages", res.Pages,
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
	)
	return res
}

func (im *IncrementalImporter) applyPage(ctx context.Context, userID, calendarID string, page *gcal.Page, bases BaseIndex, pending *[]*model.EventRecord, res *IncrementalResult) error {
	cls := Classify(page.Items)

	records, err := im.Resolver.Resolve(ctx, userID, calendarID, cls.Recurring, cls.NonRecurring)
	if err != nil {
		return err
	}
	if err := adoptStoredIDs(ctx, im.Events, userID, records, bases); err != nil {
		return syncerr.New(syncerr.KindPersistence, "incremental lookup", err)
	}
	unlinked := Link(records, bases, im.NewID)

	if len(cls.ToDelete) > 0 {
		n, err := im.Events.DeleteByExternalIDs(ctx, userID, cls.ToDelete)
		if err != nil {
			return syncerr.New(syncerr.KindPersistence, "incremental delete", err)
		}
		res.Deleted += n
		for _, id := range cls.ToDelete {
			delete(bases, id)
		}
		*pending = dropDeleted(*pending, cls.ToDelete)
	}

	if len(records) > 0 {
		up, err := im.Events.BulkUpsert(ctx, records)
		if err != nil {
			return syncerr.New(syncerr.KindPersistence, "incremental upsert", err)
		}
		for _, fail := range up.Failures {
			appLog.Error("event upsert failed", fail.Err, "user_id", userID, "calendar_id", calendarID, "event_id", fail.ExternalID)
		}
		res.Created += up.Created
		res.Updated += up.Updated
		bases.Register(records)
	}
	*pending = mergePending(*pending, records, unlinked)
	return nil
}

// finish relinks instances whose base showed up on a later page or only in
// the store, then swaps the sync token.
func (im *IncrementalImporter) finish(ctx context.Context, userID, calendarID, initial, next string, bases BaseIndex, pending []*model.EventRecord, res IncrementalResult, started time.Time) (IncrementalResult, error) {
	still, err := im.relink(ctx, userID, pending, bases)
	if err != nil {
		appLog.Error("relink failed", err, "user_id", userID, "calendar_id", calendarID)
	}
	res.Unlinked = len(still)
	for _, rec := range still {
		appLog.Warn("instance left unlinked", "user_id", userID, "event_id", rec.ExternalID, "parent_id", rec.ParentExternalID)
	}

	if err := im.States.CompareAndSwapSyncToken(ctx, userID, calendarID, initial, next, im.Now()); err != nil {
		if errors.Is(err, syncerr.ErrTokenConflict) {
			return res, err
		}
		return res, syncerr.New(syncerr.KindPersistence, "persist sync token", err)
	}
	res.SyncToken = next

	appLog.Info("incremental import finished",
		"user_id", userID,
		"calendar_id", calendarID,
		"pages", res.Pages,
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"unlinked", res.Unlinked,
		"elapsed", time.Since(started).String(),
	)
	return res, nil
}

// relink resolves pending instances against bases, falling back to a store
// lookup, and re-upserts the ones that now link. It returns the instances
// that still have no base.
func (im *IncrementalImporter) relink(ctx context.Context, userID string, pending []*model.EventRecord, bases BaseIndex) ([]*model.EventRecord, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	var missing []string
	seen := make(map[string]struct{})
	for _, rec := range pending {
		if _, ok := bases[rec.ParentExternalID]; ok {
			continue
		}
		if _, ok := seen[rec.ParentExternalID]; ok {
			continue
		}
		seen[rec.ParentExternalID] = struct{}{}
		missing = append(missing, rec.ParentExternalID)
	}
	if len(missing) > 0 {
		stored, err := im.Events.FindByExternalIDs(ctx, userID, missing)
		if err != nil {
			return pending, err
		}
		for ext, prev := range stored {
			if prev.IsBase() {
				bases[ext] = prev.ID
			}
		}
	}

	var linked, still []*model.EventRecord
	for _, rec := range pending {
		baseID, ok := bases[rec.ParentExternalID]
		if !ok || baseID == rec.ID {
			still = append(still, rec)
			continue
		}
		rec.Recurrence = &model.Recurrence{EventID: baseID}
		linked = append(linked, rec)
	}
	if len(linked) == 0 {
		return still, nil
	}
	up, err := im.Events.BulkUpsert(ctx, linked)
	if err != nil {
		return append(still, linked...), err
	}
	for _, fail := range up.Failures {
		appLog.Error("relinked upsert failed", fail.Err, "user_id", userID, "event_id", fail.ExternalID)
	}
	return still, nil
}

// mergePending replaces pending entries superseded by this page's records
// and appends the page's unlinked instances.
func mergePending(pending, records, unlinked []*model.EventRecord) []*model.EventRecord {
	if len(pending) > 0 {
		fresh := make(map[string]struct{}, len(records))
		for _, rec := range records {
			fresh[rec.ExternalID] = struct{}{}
		}
		out := pending[:0]
		for _, rec := range pending {
			if _, ok := fresh[rec.ExternalID]; !ok {
				out = append(out, rec)
			}
		}
		pending = out
	}
	return append(pending, unlinked...)
}

// dropDeleted removes pending instances that were deleted, directly or
// through their base.
func dropDeleted(pending []*model.EventRecord, deleted []string) []*model.EventRecord {
	gone := make(map[string]struct{}, len(deleted))
	for _, id := range deleted {
		gone[id] = struct{}{}
	}
	out := pending[:0]
	for _, rec := range pending {
		_, self := gone[rec.ExternalID]
		_, parent := gone[rec.ParentExternalID]
		if !self && !parent {
			out = append(out, rec)
		}
	}
	return out
}
