package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu       sync.Mutex
	watchErr error
	stopErr  error
	watched  []gcal.WatchRequest
	stopped  []string
}

func (f *fakeProvider) ListEvents(context.Context, string, gcal.ListRequest) (*gcal.Page, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Instances(context.Context, string, string, string) ([]*calendar.Event, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Watch(_ context.Context, _ string, req gcal.WatchRequest) (*gcal.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.watched = append(f.watched, req)
	return &gcal.Channel{
		ID:         req.ChannelID,
		ResourceID: "res-" + req.CalendarID,
		Expiration: now.Add(req.TTL),
	}, nil
}

func (f *fakeProvider) StopChannel(_ context.Context, _, channelID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, channelID)
	return nil
}

func newManager(fp *fakeProvider, mem *store.Memory) *Manager {
	m := NewManager(fp, mem, Options{CallbackURL: "https://sync.example.com/notifications/google", Token: "secret", TTL: 48 * time.Hour})
	n := 0
	m.NewID = func() string {
		n++
		return fmt.Sprintf("ch-%d", n)
	}
	m.Now = func() time.Time { return now }
	return m
}

func watchOf(t *testing.T, mem *store.Memory, userID, calendarID string) model.EventSync {
	t.Helper()
	rec, err := mem.Find(context.Background(), store.ByCalendar(userID, calendarID))
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	es, _ := rec.EventSync(calendarID)
	return es
}

func TestStartPersistsChannel(t *testing.T) {
	fp := &fakeProvider{}
	mem := store.NewMemory()
	m := newManager(fp, mem)

	es, err := m.Start(context.Background(), "u1", "primary")
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if es.ChannelID != "ch-1" || es.ResourceID != "res-primary" || !es.ChannelExpiration.Equal(now.Add(48*time.Hour)) {
		t.Fatalf("Start() = %+v", es)
	}
	if got := watchOf(t, mem, "u1", "primary"); got.ChannelID != "ch-1" || got.LastRefreshedAt != now {
		t.Fatalf("stored = %+v", got)
	}
	if fp.watched[0].Address != "https://sync.example.com/notifications/google" || fp.watched[0].Token != "secret" {
		t.Fatalf("watch request = %+v", fp.watched[0])
	}
}

func TestStartSurfacesMalformedRequest(t *testing.T) {
	fp := &fakeProvider{watchErr: syncerr.New(syncerr.KindMalformedWatch, "watch", errors.New("bad address"))}
	_, err := newManager(fp, store.NewMemory()).Start(context.Background(), "u1", "nope")
	if !errors.Is(err, syncerr.ErrMalformedWatch) {
		t.Fatalf("err = %v, want malformed watch", err)
	}
}

func TestRefreshUsesFreshIDAndKeepsToken(t *testing.T) {
	ctx := context.Background()
	fp := &fakeProvider{}
	mem := store.NewMemory()
	m := newManager(fp, mem)
	if err := mem.SetSyncToken(ctx, "u1", "primary", "tok", now); err != nil {
		t.Fatalf("SetSyncToken() failed: %v", err)
	}
	if _, err := m.Start(ctx, "u1", "primary"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	fp.stopErr = errors.New("already expired upstream")
	es, err := m.Refresh(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if es.ChannelID != "ch-2" {
		t.Fatalf("refreshed channel = %s, want a new id", es.ChannelID)
	}
	got := watchOf(t, mem, "u1", "primary")
	if got.ChannelID != "ch-2" || got.SyncToken != "tok" {
		t.Fatalf("stored = %+v", got)
	}
}

func TestStopClearsWatch(t *testing.T) {
	ctx := context.Background()
	fp := &fakeProvider{}
	mem := store.NewMemory()
	m := newManager(fp, mem)
	for _, cal := range []string{"primary", "work"} {
		if _, err := m.Start(ctx, "u1", cal); err != nil {
			t.Fatalf("Start(%s) failed: %v", cal, err)
		}
	}

	if err := m.Stop(ctx, "u1", "primary"); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if got := watchOf(t, mem, "u1", "primary"); got.Watching() || got.ResourceID != "" {
		t.Fatalf("primary still watched: %+v", got)
	}
	if err := m.Stop(ctx, "u1", "primary"); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
	if err := m.Stop(ctx, "nobody", "primary"); err != nil {
		t.Fatalf("Stop() on unknown user failed: %v", err)
	}

	if err := m.StopAll(ctx, "u1"); err != nil {
		t.Fatalf("StopAll() failed: %v", err)
	}
	if got := watchOf(t, mem, "u1", "work"); got.Watching() {
		t.Fatalf("work still watched: %+v", got)
	}
	if len(fp.stopped) != 2 {
		t.Fatalf("stopped = %v", fp.stopped)
	}
}

func TestStopChannelLeavesStoredWatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	fp := &fakeProvider{}
	m := newManager(fp, mem)
	if _, err := m.Start(ctx, "u1", "primary"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := m.StopChannel(ctx, "u1", "ch-stray", "res-primary"); err != nil {
		t.Fatalf("StopChannel() failed: %v", err)
	}
	if err := m.StopChannel(ctx, "u1", "", ""); err != nil {
		t.Fatalf("StopChannel(empty) failed: %v", err)
	}
	if len(fp.stopped) != 1 || fp.stopped[0] != "ch-stray" {
		t.Fatalf("stopped = %v", fp.stopped)
	}
	if got := watchOf(t, mem, "u1", "primary"); got.ChannelID != "ch-1" {
		t.Fatalf("stored watch = %+v, want ch-1 kept", got)
	}
}

func TestRenewExpiring(t *testing.T) {
	ctx := context.Background()
	fp := &fakeProvider{}
	mem := store.NewMemory()
	m := newManager(fp, mem)

	_ = mem.SaveWatch(ctx, "u1", model.EventSync{CalendarID: "soon", ChannelID: "old-1", ResourceID: "r1", ChannelExpiration: now.Add(time.Hour)})
	_ = mem.SaveWatch(ctx, "u1", model.EventSync{CalendarID: "later", ChannelID: "old-2", ResourceID: "r2", ChannelExpiration: now.Add(72 * time.Hour)})
	_ = mem.SaveWatch(ctx, "u2", model.EventSync{CalendarID: "idle"})

	n, err := m.RenewExpiring(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("RenewExpiring() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("renewed %d, want 1", n)
	}
	if got := watchOf(t, mem, "u1", "soon"); got.ChannelID != "ch-1" {
		t.Fatalf("soon = %+v", got)
	}
	if got := watchOf(t, mem, "u1", "later"); got.ChannelID != "old-2" {
		t.Fatalf("later = %+v", got)
	}
}

func TestChannelNotFound(t *testing.T) {
	known := []model.EventSync{{CalendarID: "a", ChannelID: "ch-a"}, {CalendarID: "b", ChannelID: "ch-b"}}
	cases := []struct {
		name  string
		known []model.EventSync
		id    string
		want  bool
	}{
		{"empty list", nil, "ch-a", true},
		{"match", known, "ch-b", false},
		{"no match", known, "ch-z", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ChannelNotFound(tc.known, tc.id); got != tc.want {
				t.Fatalf("ChannelNotFound(%q) = %v, want %v", tc.id, got, tc.want)
			}
		})
	}
}
