// Package gcal talks to the Google Calendar v3 API on behalf of a user:
// paged event listing with sync/page tokens, recurring instance expansion,
// and push-notification channel management.
package gcal

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
)

const (
	// DefaultMaxResults is the page size used when none is configured.
	DefaultMaxResults int64 = 250

	// StatusCancelled marks a deleted event or a removed instance.
	StatusCancelled = "cancelled"
)

// ListRequest is one events.list page request. PageToken takes precedence
// over SyncToken when both are set.
type ListRequest struct {
	CalendarID   string
	PageToken    string
	SyncToken    string
	MaxResults   int64
	SingleEvents bool
}

// Page is one events.list response page. NextSyncToken is only set on the
// last page.
type Page struct {
	Items         []*calendar.Event
	NextPageToken string
	NextSyncToken string
}

// Last reports whether no further page follows.
func (p *Page) Last() bool {
	return p == nil || p.NextPageToken == ""
}

// WatchRequest opens a push channel for a calendar's events.
type WatchRequest struct {
	CalendarID string
	ChannelID  string
	Address    string
	// Token is echoed back in x-goog-channel-token.
	Token string
	TTL   time.Duration
}

// Channel is a started push channel.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

// Provider is the subset of the calendar API the sync engine uses. All
// errors are classified with syncerr kinds.
type Provider interface {
	ListEvents(ctx context.Context, userID string, req ListRequest) (*Page, error)
	Instances(ctx context.Context, userID, calendarID, eventID string) ([]*calendar.Event, error)
	Watch(ctx context.Context, userID string, req WatchRequest) (*Channel, error)
	StopChannel(ctx context.Context, userID, channelID, resourceID string) error
}

// EventTime converts a provider date or date-time. All-day dates are
// returned as UTC midnight with allDay set.
func EventTime(dt *calendar.EventDateTime) (t time.Time, allDay bool, err error) {
	if dt == nil {
		return time.Time{}, false, nil
	}
	if dt.DateTime != "" {
		t, err = time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse dateTime %q: %w", dt.DateTime, err)
		}
		return t, false, nil
	}
	if dt.Date != "" {
		t, err = time.Parse("2006-01-02", dt.Date)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse date %q: %w", dt.Date, err)
		}
		return t, true, nil
	}
	return time.Time{}, false, nil
}
