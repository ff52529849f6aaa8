package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
	"github.com/SwitchbackTech/compass-sub004/internal/importer"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
	"github.com/SwitchbackTech/compass-sub004/internal/watch"
)

type importCall struct {
	userID, calendarID, token string
}

type fakeImporter struct {
	mu    sync.Mutex
	err   error
	calls []importCall
}

func (f *fakeImporter) Import(_ context.Context, userID, calendarID, token string) (importer.IncrementalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, importCall{userID, calendarID, token})
	if f.err != nil {
		return importer.IncrementalResult{SyncToken: token}, f.err
	}
	return importer.IncrementalResult{Updated: 1, SyncToken: token + "+1"}, nil
}

type fakeRecovery struct {
	bootstraps   []string
	disconnects  []string
	bootstrapErr error
}

func (f *fakeRecovery) Bootstrap(_ context.Context, userID, calendarID string) error {
	f.bootstraps = append(f.bootstraps, userID+"/"+calendarID)
	return f.bootstrapErr
}

func (f *fakeRecovery) Disconnect(_ context.Context, userID string) error {
	f.disconnects = append(f.disconnects, userID)
	return nil
}

type fakeChannels struct {
	refreshed []string
	stopped   []string
}

func (f *fakeChannels) StopChannel(_ context.Context, _, channelID, _ string) error {
	f.stopped = append(f.stopped, channelID)
	return nil
}

func (f *fakeChannels) Refresh(_ context.Context, userID, calendarID string) (model.EventSync, error) {
	f.refreshed = append(f.refreshed, userID+"/"+calendarID)
	return model.EventSync{CalendarID: calendarID, ChannelID: "fresh"}, nil
}

type fakeLive struct{ synced []string }

func (f *fakeLive) CalendarSynced(userID, calendarID string, _ importer.IncrementalResult) {
	f.synced = append(f.synced, userID+"/"+calendarID)
}

type fixture struct {
	mem      *store.Memory
	imp      *fakeImporter
	recovery *fakeRecovery
	channels *fakeChannels
	live     *fakeLive
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		mem:      store.NewMemory(),
		imp:      &fakeImporter{},
		recovery: &fakeRecovery{},
		channels: &fakeChannels{},
		live:     &fakeLive{},
	}
	if err := f.mem.SaveWatch(ctx, "u1", model.EventSync{CalendarID: "primary", ChannelID: "ch-1", ResourceID: "res-1"}); err != nil {
		t.Fatalf("SaveWatch() failed: %v", err)
	}
	if err := f.mem.SetSyncToken(ctx, "u1", "primary", "tok-0", time.Now()); err != nil {
		t.Fatalf("SetSyncToken() failed: %v", err)
	}
	f.d = NewDispatcher(f.mem, f.imp, importer.NewRunLocker(), f.recovery, f.channels, f.live)
	return f
}

func TestDispatchSyncNeverImports(t *testing.T) {
	f := newFixture(t)
	exp := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	out, err := f.d.Dispatch(context.Background(), Notification{
		ChannelID: "ch-1", ResourceID: "res-9", ResourceState: StateSync, Expiration: exp,
	})
	if err != nil || out != OutcomeHandshake {
		t.Fatalf("Dispatch() = %v, %v", out, err)
	}
	if len(f.imp.calls) != 0 {
		t.Fatalf("sync notification imported: %v", f.imp.calls)
	}
	rec, _ := f.mem.Find(context.Background(), store.ByCalendar("u1", "primary"))
	es, _ := rec.EventSync("primary")
	if es.ResourceID != "res-9" || !es.ChannelExpiration.Equal(exp) || es.SyncToken != "tok-0" {
		t.Fatalf("entry after handshake = %+v", es)
	}
}

func TestDispatchExistsImportsOnce(t *testing.T) {
	f := newFixture(t)
	out, err := f.d.Dispatch(context.Background(), Notification{ChannelID: "ch-1", ResourceID: "res-1", ResourceState: StateExists})
	if err != nil || out != OutcomeImported {
		t.Fatalf("Dispatch() = %v, %v", out, err)
	}
	if len(f.imp.calls) != 1 || f.imp.calls[0] != (importCall{"u1", "primary", "tok-0"}) {
		t.Fatalf("import calls = %v", f.imp.calls)
	}
	if len(f.live.synced) != 1 || len(f.channels.refreshed) != 0 {
		t.Fatalf("live %v refreshed %v", f.live.synced, f.channels.refreshed)
	}
}

func TestDispatchUnknownResourceIsOrphaned(t *testing.T) {
	f := newFixture(t)
	out, err := f.d.Dispatch(context.Background(), Notification{ChannelID: "ch-1", ResourceID: "gone", ResourceState: StateExists})
	if err != nil || out != OutcomeOrphaned {
		t.Fatalf("Dispatch() = %v, %v", out, err)
	}
	if len(f.imp.calls) != 0 {
		t.Fatalf("orphan imported")
	}
}

func TestDispatchOtherStatesIgnored(t *testing.T) {
	f := newFixture(t)
	out, err := f.d.Dispatch(context.Background(), Notification{ChannelID: "ch-1", ResourceID: "res-1", ResourceState: "not_exists"})
	if err != nil || out != OutcomeIgnored || len(f.imp.calls) != 0 {
		t.Fatalf("Dispatch() = %v, %v calls %d", out, err, len(f.imp.calls))
	}
	if _, err := f.d.Dispatch(context.Background(), Notification{ResourceState: StateExists}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("missing channel err = %v", err)
	}
}

func TestDispatchStopsUnrecognizedChannel(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		out, err := f.d.Dispatch(context.Background(), Notification{ChannelID: "ch-old", ResourceID: "res-1", ResourceState: StateExists})
		if err != nil || out != OutcomeImported {
			t.Fatalf("Dispatch() = %v, %v", out, err)
		}
	}
	if len(f.channels.stopped) != 3 || f.channels.stopped[0] != "ch-old" || f.channels.stopped[2] != "ch-old" {
		t.Fatalf("stopped = %v, want ch-old each time", f.channels.stopped)
	}
	if len(f.channels.refreshed) != 0 {
		t.Fatalf("healthy channel refreshed: %v", f.channels.refreshed)
	}
}

func TestDispatchRefreshesExpiredChannel(t *testing.T) {
	f := newFixture(t)
	f.d.Now = func() time.Time { return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) }
	expired := model.EventSync{CalendarID: "primary", ChannelID: "ch-1", ResourceID: "res-1",
		ChannelExpiration: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	if err := f.mem.SaveWatch(context.Background(), "u1", expired); err != nil {
		t.Fatalf("SaveWatch() failed: %v", err)
	}

	if _, err := f.d.Dispatch(context.Background(), Notification{ChannelID: "ch-old", ResourceID: "res-1", ResourceState: StateExists}); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	if len(f.channels.stopped) != 1 || f.channels.stopped[0] != "ch-old" {
		t.Fatalf("stopped = %v", f.channels.stopped)
	}
	if len(f.channels.refreshed) != 1 || f.channels.refreshed[0] != "u1/primary" {
		t.Fatalf("refreshed = %v", f.channels.refreshed)
	}
}

// channelProvider records channel operations for a real watch.Manager.
type channelProvider struct {
	mu      sync.Mutex
	stopped []string
	watched []string
}

func (p *channelProvider) ListEvents(context.Context, string, gcal.ListRequest) (*gcal.Page, error) {
	return nil, errors.New("not implemented")
}

func (p *channelProvider) Instances(context.Context, string, string, string) ([]*calendar.Event, error) {
	return nil, errors.New("not implemented")
}

func (p *channelProvider) Watch(_ context.Context, _ string, req gcal.WatchRequest) (*gcal.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched = append(p.watched, req.ChannelID)
	return &gcal.Channel{ID: req.ChannelID, ResourceID: "res-1", Expiration: time.Now().Add(req.TTL)}, nil
}

func (p *channelProvider) StopChannel(_ context.Context, _, channelID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, channelID)
	return nil
}

func TestDispatchKeepsHealthyChannelWithManager(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	current := model.EventSync{CalendarID: "primary", ChannelID: "ch-current", ResourceID: "res-1",
		ChannelExpiration: time.Now().Add(48 * time.Hour)}
	if err := mem.SaveWatch(ctx, "u1", current); err != nil {
		t.Fatalf("SaveWatch() failed: %v", err)
	}
	if err := mem.SetSyncToken(ctx, "u1", "primary", "tok-0", time.Now()); err != nil {
		t.Fatalf("SetSyncToken() failed: %v", err)
	}
	cp := &channelProvider{}
	mgr := watch.NewManager(cp, mem, watch.Options{CallbackURL: "https://sync.example.com/notifications/google"})
	d := NewDispatcher(mem, &fakeImporter{}, importer.NewRunLocker(), &fakeRecovery{}, mgr, nil)

	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(ctx, Notification{ChannelID: "ch-stray", ResourceID: "res-1", ResourceState: StateExists}); err != nil {
			t.Fatalf("Dispatch() failed: %v", err)
		}
	}
	for _, id := range cp.stopped {
		if id != "ch-stray" {
			t.Fatalf("stopped = %v, want only ch-stray", cp.stopped)
		}
	}
	if len(cp.stopped) != 3 || len(cp.watched) != 0 {
		t.Fatalf("stopped = %v watched = %v", cp.stopped, cp.watched)
	}
	rec, err := mem.Find(ctx, store.ByCalendar("u1", "primary"))
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	if es, _ := rec.EventSync("primary"); es.ChannelID != "ch-current" {
		t.Fatalf("stored channel = %q, want ch-current", es.ChannelID)
	}
}

func TestDispatchImportFailures(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		want        Outcome
		wantErr     bool
		bootstraps  int
		disconnects int
	}{
		{"revoked", syncerr.New(syncerr.KindAccessRevoked, "list", nil), OutcomeRevoked, false, 0, 1},
		{"invalid token", syncerr.New(syncerr.KindInvalidToken, "list", nil), OutcomeResynced, false, 1, 0},
		{"no token", syncerr.New(syncerr.KindNoResumptionToken, "import", nil), OutcomeNoToken, false, 0, 0},
		{"conflict", syncerr.New(syncerr.KindTokenConflict, "cas", nil), OutcomeSuperseded, false, 0, 0},
		{"fetch", syncerr.New(syncerr.KindProviderFetch, "list", errors.New("503")), OutcomeFailed, true, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.imp.err = tc.err
			out, err := f.d.Dispatch(context.Background(), Notification{ChannelID: "ch-1", ResourceID: "res-1", ResourceState: StateExists})
			if out != tc.want || (err != nil) != tc.wantErr {
				t.Fatalf("Dispatch() = %v, %v; want %v", out, err, tc.want)
			}
			if len(f.recovery.bootstraps) != tc.bootstraps || len(f.recovery.disconnects) != tc.disconnects {
				t.Fatalf("bootstraps %v disconnects %v", f.recovery.bootstraps, f.recovery.disconnects)
			}
			if len(f.live.synced) != 0 {
				t.Fatalf("live notified on failure")
			}
		})
	}
}
