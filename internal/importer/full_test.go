package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

// mixedPage is one base, its duplicate first instance, a later instance,
// a plain event and a cancelled event.
func mixedPage() []*calendar.Event {
	return []*calendar.Event{
		base("b1", t0),
		instance("b1", t0),
		instance("b1", t0.AddDate(0, 0, 7)),
		single("p1", t0.Add(3*time.Hour)),
		cancelled("c1"),
	}
}

func newMixedProvider() *fakeProvider {
	fp := newFakeProvider()
	items := mixedPage()
	fp.page(false, "", "", &gcal.Page{Items: items, NextSyncToken: "tok-1"})
	fp.page(true, "", "", &gcal.Page{Items: items, NextSyncToken: "tok-1s"})
	return fp
}

func TestFullImportMixedPage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	fi := NewFullImporter(newMixedProvider(), mem, 250)

	res, err := fi.Import(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Total != 3 {
		t.Fatalf("Total = %d, want 3", res.Total)
	}
	if res.Bases != 1 {
		t.Fatalf("Bases = %d, want 1", res.Bases)
	}
	if res.SyncToken != "tok-1" {
		t.Fatalf("SyncToken = %q, want the base pass token", res.SyncToken)
	}

	recs, err := mem.List(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	got := make(map[string]*model.EventRecord)
	for _, r := range recs {
		got[r.ExternalID] = r
	}
	if len(got) != 3 {
		t.Fatalf("stored %d records, want 3: %v", len(got), keys(got))
	}
	dup := InstanceID("b1", t0, false)
	if _, ok := got[dup]; ok {
		t.Fatalf("instance at base start was stored")
	}
	if _, ok := got["c1"]; ok {
		t.Fatalf("cancelled event was stored")
	}
	inst := got[InstanceID("b1", t0.AddDate(0, 0, 7), false)]
	if inst == nil {
		t.Fatalf("later instance missing")
	}
	if inst.Recurrence == nil || inst.Recurrence.EventID != got["b1"].ID {
		t.Fatalf("instance recurrence = %+v, want link to base %s", inst.Recurrence, got["b1"].ID)
	}
	if !got["b1"].IsBase() {
		t.Fatalf("b1 not stored as base")
	}
}

func TestFullImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	fi := NewFullImporter(newMixedProvider(), mem, 250)

	if _, err := fi.Import(ctx, "u1", "primary"); err != nil {
		t.Fatalf("first Import() failed: %v", err)
	}
	first, _ := mem.List(ctx, "u1", "primary")
	ids := make(map[string]string)
	for _, r := range first {
		ids[r.ExternalID] = r.ID
	}

	res, err := fi.Import(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("second Import() failed: %v", err)
	}
	if res.Total != 3 || res.Pruned != 0 {
		t.Fatalf("second run = %+v", res)
	}
	second, _ := mem.List(ctx, "u1", "primary")
	if len(second) != len(first) {
		t.Fatalf("record count changed: %d -> %d", len(first), len(second))
	}
	for _, r := range second {
		if ids[r.ExternalID] != r.ID {
			t.Fatalf("%s id changed: %s -> %s", r.ExternalID, ids[r.ExternalID], r.ID)
		}
	}
}

func TestFullImportBaseCountAndLinks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	fp := newFakeProvider()

	week := t0.AddDate(0, 0, 7)
	page1 := []*calendar.Event{
		base("b1", t0),
		single("s1", t0),
		instance("b2", week),
	}
	page2 := []*calendar.Event{
		base("b2", t0.Add(2*time.Hour)),
		base("b3", t0, "RRULE:FREQ=DAILY;COUNT=3"),
		single("s2", week),
	}
	fp.page(false, "", "", &gcal.Page{Items: page1, NextPageToken: "n1"})
	fp.page(false, "n1", "", &gcal.Page{Items: page2, NextSyncToken: "tok"})
	fp.page(true, "", "", &gcal.Page{Items: []*calendar.Event{
		instance("b1", t0),
		instance("b1", week),
		instance("b2", week),
	}, NextPageToken: "m1"})
	fp.page(true, "m1", "", &gcal.Page{Items: []*calendar.Event{
		instance("b3", t0.AddDate(0, 0, 1)),
		instance("b3", t0.AddDate(0, 0, 2)),
		single("s1", t0),
	}, NextSyncToken: "tok-s"})

	res, err := NewFullImporter(fp, mem, 250).Import(ctx, "u1", "work")
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}

	rawBases := 0
	for _, ev := range append(page1, page2...) {
		if len(ev.Recurrence) > 0 && ev.RecurringEventId == "" {
			rawBases++
		}
	}
	recs, _ := mem.List(ctx, "u1", "work")
	byID := make(map[string]*model.EventRecord)
	stored := 0
	for _, r := range recs {
		byID[r.ID] = r
		if r.IsBase() {
			stored++
		}
	}
	if stored != rawBases || res.Bases != rawBases {
		t.Fatalf("stored bases = %d (result %d), want %d", stored, res.Bases, rawBases)
	}
	for _, r := range recs {
		if !r.IsInstance() {
			continue
		}
		if r.Recurrence == nil {
			t.Fatalf("instance %s unlinked", r.ExternalID)
		}
		b, ok := byID[r.Recurrence.EventID]
		if !ok || !b.IsBase() || b.ExternalID != r.ParentExternalID {
			t.Fatalf("instance %s links to %q which is not its base", r.ExternalID, r.Recurrence.EventID)
		}
	}
	// b1 at t0 duplicates the base, s1 was claimed by the base pass.
	if res.Total != 9 {
		t.Fatalf("Total = %d, want 9", res.Total)
	}
}

func TestFullImportFirstPageFailureIsFatal(t *testing.T) {
	fp := newFakeProvider()
	fp.fail(false, "", "", errors.New("connection reset"))

	_, err := NewFullImporter(fp, store.NewMemory(), 250).Import(context.Background(), "u1", "primary")
	if !errors.Is(err, syncerr.ErrProviderFetch) {
		t.Fatalf("err = %v, want provider fetch", err)
	}
}

func TestFullImportMissingTokenIsFatal(t *testing.T) {
	fp := newFakeProvider()
	fp.page(false, "", "", &gcal.Page{Items: []*calendar.Event{single("s1", t0)}})
	fp.page(true, "", "", &gcal.Page{Items: []*calendar.Event{single("s1", t0)}})

	_, err := NewFullImporter(fp, store.NewMemory(), 250).Import(context.Background(), "u1", "primary")
	if !errors.Is(err, syncerr.ErrNoResumptionToken) {
		t.Fatalf("err = %v, want no resumption token", err)
	}
}

func TestFullImportMidWalkFailureStopsPass(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if _, err := mem.BulkUpsert(ctx, []*model.EventRecord{{UserID: "u1", CalendarID: "primary", ExternalID: "stale", Start: t0}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fp := newFakeProvider()
	fp.page(false, "", "", &gcal.Page{Items: []*calendar.Event{base("b1", t0)}, NextSyncToken: "tok"})
	fp.page(true, "", "", &gcal.Page{Items: []*calendar.Event{instance("b1", t0.AddDate(0, 0, 7))}, NextPageToken: "m1"})
	fp.fail(true, "m1", "", errors.New("timeout"))

	res, err := NewFullImporter(fp, mem, 250).Import(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Total != 2 || res.SyncToken != "tok" {
		t.Fatalf("result = %+v", res)
	}
	got, _ := mem.FindByExternalIDs(ctx, "u1", []string{"stale"})
	if len(got) != 1 {
		t.Fatalf("stale record pruned after an incomplete run")
	}
}

func TestFullImportPrunesVanishedRecords(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if _, err := mem.BulkUpsert(ctx, []*model.EventRecord{{UserID: "u1", CalendarID: "primary", ExternalID: "gone", Start: t0}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := NewFullImporter(newMixedProvider(), mem, 250).Import(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Pruned != 1 {
		t.Fatalf("Pruned = %d, want 1", res.Pruned)
	}
}

func TestFullImportLogsPerRecordFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.FailUpsert = func(r *model.EventRecord) error {
		if r.ExternalID == "p1" {
			return errors.New("disk full")
		}
		return nil
	}
	res, err := NewFullImporter(newMixedProvider(), mem, 250).Import(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("Total = %d, want 2", res.Total)
	}
}

func TestFullImportCountsOnlyPersistedBases(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.FailUpsert = func(r *model.EventRecord) error {
		if r.ExternalID == "b1" {
			return errors.New("constraint violation")
		}
		return nil
	}
	res, err := NewFullImporter(newMixedProvider(), mem, 250).Import(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	recs, _ := mem.List(ctx, "u1", "primary")
	if res.Bases != 0 || res.Total != len(recs) || res.Instances != len(recs) {
		t.Fatalf("result = %+v, stored %d records", res, len(recs))
	}
}

func keys(m map[string]*model.EventRecord) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
