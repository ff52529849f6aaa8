package maintenance

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/SwitchbackTech/compass-sub004/internal/importer"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

var now = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeFull struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeFull) Import(_ context.Context, userID, calendarID string) (importer.FullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+"/"+calendarID)
	if f.err != nil {
		return importer.FullResult{}, f.err
	}
	return importer.FullResult{Total: 3, SyncToken: "full-" + calendarID}, nil
}

type fakeIncremental struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeIncremental) Import(_ context.Context, userID, calendarID, token string) (importer.IncrementalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+"/"+calendarID+"@"+token)
	if err := f.errs[userID+"/"+calendarID]; err != nil {
		return importer.IncrementalResult{SyncToken: token}, err
	}
	return importer.IncrementalResult{Created: 1, Updated: 2, SyncToken: token + "+"}, nil
}

type fakeWatcher struct {
	mu        sync.Mutex
	mem       *store.Memory
	started   []string
	refreshed []string
	stopped   []string
}

func (f *fakeWatcher) Start(ctx context.Context, userID, calendarID string) (model.EventSync, error) {
	f.mu.Lock()
	f.started = append(f.started, userID+"/"+calendarID)
	f.mu.Unlock()
	es := model.EventSync{CalendarID: calendarID, ChannelID: "ch-" + calendarID, ResourceID: "res-" + calendarID, ChannelExpiration: now.Add(7 * 24 * time.Hour)}
	return es, f.mem.SaveWatch(ctx, userID, es)
}

func (f *fakeWatcher) Refresh(ctx context.Context, userID, calendarID string) (model.EventSync, error) {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, userID+"/"+calendarID)
	f.mu.Unlock()
	return model.EventSync{CalendarID: calendarID}, nil
}

func (f *fakeWatcher) StopAll(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, userID)
	return nil
}

type fakeTokens struct{ deleted []string }

func (f *fakeTokens) Delete(userID string) error {
	f.deleted = append(f.deleted, userID)
	return nil
}

type fixture struct {
	mem    *store.Memory
	full   *fakeFull
	inc    *fakeIncremental
	watch  *fakeWatcher
	tokens *fakeTokens
	svc    *Service
}

func newFixture() *fixture {
	mem := store.NewMemory()
	f := &fixture{
		mem:    mem,
		full:   &fakeFull{},
		inc:    &fakeIncremental{errs: map[string]error{}},
		watch:  &fakeWatcher{mem: mem},
		tokens: &fakeTokens{},
	}
	f.svc = NewService(mem, mem, f.full, f.inc, f.watch, importer.NewRunLocker(), f.tokens, Options{RenewBefore: 24 * time.Hour, Concurrency: 2})
	f.svc.Now = func() time.Time { return now }
	return f
}

func (f *fixture) seed(t *testing.T, userID string, es model.EventSync) {
	t.Helper()
	ctx := context.Background()
	if err := f.mem.SaveWatch(ctx, userID, es); err != nil {
		t.Fatalf("SaveWatch() failed: %v", err)
	}
	if es.SyncToken != "" {
		if err := f.mem.SetSyncToken(ctx, userID, es.CalendarID, es.SyncToken, now); err != nil {
			t.Fatalf("SetSyncToken() failed: %v", err)
		}
	}
}

func kinds(r Report) []string {
	var out []string
	for _, a := range r.Actions {
		out = append(out, a.CalendarID+":"+a.Kind)
	}
	return out
}

func TestBootstrapStoresTokenAndWatches(t *testing.T) {
	f := newFixture()
	if err := f.svc.Bootstrap(context.Background(), "u1", "primary"); err != nil {
		t.Fatalf("Bootstrap() failed: %v", err)
	}
	rec, err := f.mem.Find(context.Background(), store.ByCalendar("u1", "primary"))
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	es, _ := rec.EventSync("primary")
	if es.SyncToken != "full-primary" || es.ChannelID != "ch-primary" {
		t.Fatalf("entry = %+v", es)
	}

	// An already watched calendar keeps its channel.
	if err := f.svc.Bootstrap(context.Background(), "u1", "primary"); err != nil {
		t.Fatalf("second Bootstrap() failed: %v", err)
	}
	if len(f.watch.started) != 1 {
		t.Fatalf("started = %v", f.watch.started)
	}
}

func TestMaintainDryRunPlansOnly(t *testing.T) {
	f := newFixture()
	f.seed(t, "u1", model.EventSync{CalendarID: "new"})
	f.seed(t, "u1", model.EventSync{CalendarID: "old", SyncToken: "t", ChannelID: "c", ResourceID: "r", ChannelExpiration: now.Add(time.Hour)})
	f.seed(t, "u1", model.EventSync{CalendarID: "fine", SyncToken: "t", ChannelID: "c2", ResourceID: "r2", ChannelExpiration: now.Add(72 * time.Hour)})

	rep, err := f.svc.Maintain(context.Background(), "u1", true)
	if err != nil {
		t.Fatalf("Maintain() failed: %v", err)
	}
	want := []string{"new:bootstrap", "new:start_watch", "old:incremental", "old:refresh_watch", "fine:incremental"}
	if got := kinds(rep); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	if len(f.full.calls)+len(f.inc.calls)+len(f.watch.started)+len(f.watch.refreshed) != 0 {
		t.Fatalf("dry run did work")
	}
}

func TestMaintainRuns(t *testing.T) {
	f := newFixture()
	f.seed(t, "u1", model.EventSync{CalendarID: "new"})
	f.seed(t, "u1", model.EventSync{CalendarID: "old", SyncToken: "t", ChannelID: "c", ResourceID: "r", ChannelExpiration: now.Add(time.Hour)})

	rep, err := f.svc.Maintain(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("Maintain() failed: %v", err)
	}
	want := []string{"new:bootstrap", "old:incremental", "old:refresh_watch"}
	if got := kinds(rep); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	if rep.Failed() {
		t.Fatalf("report failed: %+v", rep)
	}
	if rep.Actions[1].Created != 1 || rep.Actions[1].Updated != 2 {
		t.Fatalf("incremental counts = %+v", rep.Actions[1])
	}
	if !reflect.DeepEqual(f.inc.calls, []string{"u1/old@t"}) || !reflect.DeepEqual(f.watch.started, []string{"u1/new"}) {
		t.Fatalf("incremental %v started %v", f.inc.calls, f.watch.started)
	}
}

func TestMaintainInvalidTokenBootstraps(t *testing.T) {
	f := newFixture()
	f.seed(t, "u1", model.EventSync{CalendarID: "cal", SyncToken: "stale", ChannelID: "c", ResourceID: "r", ChannelExpiration: now.Add(72 * time.Hour)})
	f.inc.errs["u1/cal"] = syncerr.New(syncerr.KindInvalidToken, "list", nil)

	rep, err := f.svc.Maintain(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("Maintain() failed: %v", err)
	}
	if got := kinds(rep); !reflect.DeepEqual(got, []string{"cal:bootstrap"}) || rep.Failed() {
		t.Fatalf("report = %+v", rep)
	}
	rec, _ := f.mem.Find(context.Background(), store.ByCalendar("u1", "cal"))
	if es, _ := rec.EventSync("cal"); es.SyncToken != "full-cal" {
		t.Fatalf("token = %q", es.SyncToken)
	}
}

func TestMaintainRevokedDisconnects(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, "u1", model.EventSync{CalendarID: "a", SyncToken: "t", ChannelID: "c", ResourceID: "r", ChannelExpiration: now.Add(72 * time.Hour)})
	f.seed(t, "u1", model.EventSync{CalendarID: "b", SyncToken: "t"})
	if _, err := f.mem.BulkUpsert(ctx, []*model.EventRecord{{UserID: "u1", CalendarID: "a", ExternalID: "e1"}}); err != nil {
		t.Fatalf("seed events: %v", err)
	}
	f.inc.errs["u1/a"] = syncerr.New(syncerr.KindAccessRevoked, "list", nil)

	rep, err := f.svc.Maintain(ctx, "u1", false)
	if err != nil {
		t.Fatalf("Maintain() failed: %v", err)
	}
	if got := kinds(rep); !reflect.DeepEqual(got, []string{"a:incremental", ":disconnect"}) {
		t.Fatalf("actions = %v", got)
	}
	if _, err := f.mem.Find(ctx, store.ByUser("u1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("sync record survived: %v", err)
	}
	if recs, _ := f.mem.List(ctx, "u1", ""); len(recs) != 0 {
		t.Fatalf("events survived: %d", len(recs))
	}
	if !reflect.DeepEqual(f.watch.stopped, []string{"u1"}) || !reflect.DeepEqual(f.tokens.deleted, []string{"u1"}) {
		t.Fatalf("stopped %v tokens %v", f.watch.stopped, f.tokens.deleted)
	}
}

func TestMaintainAllReportsEveryUser(t *testing.T) {
	f := newFixture()
	for _, u := range []string{"u1", "u2", "u3"} {
		f.seed(t, u, model.EventSync{CalendarID: "primary", SyncToken: "t", ChannelID: "c-" + u, ResourceID: "r-" + u, ChannelExpiration: now.Add(72 * time.Hour)})
	}
	f.inc.errs["u2/primary"] = syncerr.New(syncerr.KindProviderFetch, "list", errors.New("503"))

	reps, err := f.svc.MaintainAll(context.Background(), false)
	if err != nil {
		t.Fatalf("MaintainAll() failed: %v", err)
	}
	if len(reps) != 3 {
		t.Fatalf("reports = %d", len(reps))
	}
	for i, u := range []string{"u1", "u2", "u3"} {
		if reps[i].UserID != u {
			t.Fatalf("report %d user = %s", i, reps[i].UserID)
		}
		if reps[i].Failed() != (u == "u2") {
			t.Fatalf("report %s failed = %v", u, reps[i].Failed())
		}
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler(newFixture().svc, nil, "every now and then"); err == nil {
		t.Fatalf("NewScheduler() accepted a bad spec")
	}
}

type fakeRenewer struct{ within []time.Duration }

func (f *fakeRenewer) RenewExpiring(_ context.Context, within time.Duration) (int, error) {
	f.within = append(f.within, within)
	return 0, nil
}

func TestSchedulerRunOnce(t *testing.T) {
	f := newFixture()
	f.seed(t, "u1", model.EventSync{CalendarID: "primary", SyncToken: "t", ChannelID: "c", ResourceID: "r", ChannelExpiration: now.Add(72 * time.Hour)})
	r := &fakeRenewer{}
	s, err := NewScheduler(f.svc, r, "*/15 * * * *")
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	s.RunOnce(context.Background())
	if !reflect.DeepEqual(r.within, []time.Duration{24 * time.Hour}) {
		t.Fatalf("renew windows = %v", r.within)
	}
	if len(f.inc.calls) != 1 {
		t.Fatalf("incremental calls = %v", f.inc.calls)
	}
}
