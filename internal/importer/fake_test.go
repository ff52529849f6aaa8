package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// fakeProvider serves canned pages keyed by request shape.
type fakeProvider struct {
	mu        sync.Mutex
	pages     map[string]*gcal.Page
	errs      map[string]error
	instances map[string][]*calendar.Event
	instErr   error

	listCalls     []gcal.ListRequest
	instanceCalls []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pages:     make(map[string]*gcal.Page),
		errs:      make(map[string]error),
		instances: make(map[string][]*calendar.Event),
	}
}

func listKey(single bool, pageToken, syncToken string) string {
	return fmt.Sprintf("single=%t page=%s sync=%s", single, pageToken, syncToken)
}

func (f *fakeProvider) page(single bool, pageToken, syncToken string, p *gcal.Page) {
	f.pages[listKey(single, pageToken, syncToken)] = p
}

func (f *fakeProvider) fail(single bool, pageToken, syncToken string, err error) {
	f.errs[listKey(single, pageToken, syncToken)] = err
}

func (f *fakeProvider) ListEvents(_ context.Context, _ string, req gcal.ListRequest) (*gcal.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, req)
	syncToken := req.SyncToken
	if req.PageToken != "" {
		syncToken = ""
	}
	key := listKey(req.SingleEvents, req.PageToken, syncToken)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	p, ok := f.pages[key]
	if !ok {
		return nil, fmt.Errorf("unexpected request %s", key)
	}
	return p, nil
}

func (f *fakeProvider) Instances(_ context.Context, _, _, eventID string) ([]*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instanceCalls = append(f.instanceCalls, eventID)
	if f.instErr != nil {
		return nil, f.instErr
	}
	return f.instances[eventID], nil
}

func (f *fakeProvider) Watch(context.Context, string, gcal.WatchRequest) (*gcal.Channel, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeProvider) StopChannel(context.Context, string, string, string) error {
	return nil
}

func dateTime(t time.Time) *calendar.EventDateTime {
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
}

func single(id string, start time.Time) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Status:  "confirmed",
		Summary: id,
		Start:   dateTime(start),
		End:     dateTime(start.Add(time.Hour)),
	}
}

func base(id string, start time.Time, rule ...string) *calendar.Event {
	ev := single(id, start)
	if len(rule) == 0 {
		rule = []string{"RRULE:FREQ=WEEKLY;COUNT=4"}
	}
	ev.Recurrence = rule
	return ev
}

func instance(baseID string, start time.Time) *calendar.Event {
	ev := single(InstanceID(baseID, start, false), start)
	ev.RecurringEventId = baseID
	ev.OriginalStartTime = dateTime(start)
	return ev
}

func cancelled(id string) *calendar.Event {
	return &calendar.Event{Id: id, Status: gcal.StatusCancelled}
}
