package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SwitchbackTech/compass-sub004/internal/importer"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
	"github.com/SwitchbackTech/compass-sub004/internal/watch"
)

// Outcome classifies what a notification led to.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeHandshake
	OutcomeOrphaned
	OutcomeImported
	OutcomeResynced
	OutcomeRevoked
	OutcomeNoToken
	OutcomeSuperseded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeHandshake:
		return "handshake"
	case OutcomeOrphaned:
		return "orphaned"
	case OutcomeImported:
		return "imported"
	case OutcomeResynced:
		return "resynced"
	case OutcomeRevoked:
		return "revoked"
	case OutcomeNoToken:
		return "no_token"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Importer runs an incremental import from a sync token.
type Importer interface {
	Import(ctx context.Context, userID, calendarID, syncToken string) (importer.IncrementalResult, error)
}

// Recovery handles the outcomes an import cannot: a full resync after an
// invalid token, and a data wipe after revoked access.
type Recovery interface {
	Bootstrap(ctx context.Context, userID, calendarID string) error
	Disconnect(ctx context.Context, userID string) error
}

// Channels stops stray channels and replaces a calendar's watch channel.
type Channels interface {
	StopChannel(ctx context.Context, userID, channelID, resourceID string) error
	Refresh(ctx context.Context, userID, calendarID string) (model.EventSync, error)
}

// SyncNotifier is told about every successful notification import.
type SyncNotifier interface {
	CalendarSynced(userID, calendarID string, res importer.IncrementalResult)
}

// Dispatcher routes notifications by resource state.
type Dispatcher struct {
	states   store.SyncStateStore
	importer Importer
	locker   *importer.RunLocker
	recovery Recovery
	channels Channels
	live     SyncNotifier

	Now func() time.Time
}

// NewDispatcher wires a dispatcher. channels and live may be nil.
func NewDispatcher(states store.SyncStateStore, imp Importer, locker *importer.RunLocker, recovery Recovery, channels Channels, live SyncNotifier) *Dispatcher {
	if locker == nil {
		locker = importer.NewRunLocker()
	}
	return &Dispatcher{
		states:   states,
		importer: imp,
		locker:   locker,
		recovery: recovery,
		channels: channels,
		live:     live,
		Now:      time.Now,
	}
}

// Dispatch handles one notification. Only failures the caller could act on
// are returned; stale, revoked and resync cases are handled here.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (Outcome, error) {
	if n.ChannelID == "" {
		return OutcomeIgnored, ErrMalformed
	}
	switch n.ResourceState {
	case StateSync:
		return d.handshake(ctx, n)
	case StateExists:
		return d.changed(ctx, n)
	default:
		appLog.Debug("notification ignored", "channel_id", n.ChannelID, "state", n.ResourceState)
		return OutcomeIgnored, nil
	}
}

func (d *Dispatcher) handshake(ctx context.Context, n Notification) (Outcome, error) {
	rec, err := d.states.Find(ctx, store.ByChannel(n.ChannelID))
	if errors.Is(err, store.ErrNotFound) {
		appLog.Warn("handshake for unknown channel", "channel_id", n.ChannelID, "resource_id", n.ResourceID)
		return OutcomeOrphaned, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	for _, es := range rec.EventSyncs {
		if es.ChannelID != n.ChannelID {
			continue
		}
		es.ResourceID = n.ResourceID
		if !n.Expiration.IsZero() {
			es.ChannelExpiration = n.Expiration
		}
		if err := d.states.SaveWatch(ctx, rec.UserID, es); err != nil {
			return OutcomeFailed, err
		}
		appLog.Info("channel handshake", "user_id", rec.UserID, "calendar_id", es.CalendarID, "channel_id", n.ChannelID)
		break
	}
	return OutcomeHandshake, nil
}

func (d *Dispatcher) changed(ctx context.Context, n Notification) (Outcome, error) {
	rec, err := d.states.Find(ctx, store.ByResourceID(n.ResourceID))
	if errors.Is(err, store.ErrNotFound) {
		appLog.Warn("notification for unknown resource", "channel_id", n.ChannelID, "resource_id", n.ResourceID,
			"err", syncerr.ErrNoCalendarMatch)
		return OutcomeOrphaned, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	es, _ := rec.EventSyncByResource(n.ResourceID)
	userID, calendarID := rec.UserID, es.CalendarID

	if watch.ChannelNotFound(rec.EventSyncs, n.ChannelID) && d.channels != nil {
		d.unrecognized(ctx, userID, es, n)
	}

	res, err := d.importLocked(ctx, userID, calendarID)
	switch syncerr.KindOf(err) {
	case syncerr.KindUnknown:
		if err != nil {
			break
		}
		if d.live != nil {
			d.live.CalendarSynced(userID, calendarID, res)
		}
		return OutcomeImported, nil
	case syncerr.KindAccessRevoked:
		appLog.Warn("access revoked, disconnecting user", "user_id", userID)
		if derr := d.recovery.Disconnect(ctx, userID); derr != nil {
			appLog.Error("disconnect after revoke failed", derr, "user_id", userID)
		}
		return OutcomeRevoked, nil
	case syncerr.KindInvalidToken:
		appLog.Warn("sync token rejected, bootstrapping", "user_id", userID, "calendar_id", calendarID)
		if berr := d.recovery.Bootstrap(ctx, userID, calendarID); berr != nil {
			return OutcomeFailed, fmt.Errorf("resync %s/%s: %w", userID, calendarID, berr)
		}
		return OutcomeResynced, nil
	case syncerr.KindNoResumptionToken:
		appLog.Warn("no sync token, notification ignored", "user_id", userID, "calendar_id", calendarID)
		return OutcomeNoToken, nil
	case syncerr.KindTokenConflict:
		appLog.Warn("sync token advanced by another run", "user_id", userID, "calendar_id", calendarID)
		return OutcomeSuperseded, nil
	}
	return OutcomeFailed, err
}

// unrecognized stops the channel n arrived on, which the record does not
// know, and refreshes the calendar's own channel only when that one is
// missing or already expired.
func (d *Dispatcher) unrecognized(ctx context.Context, userID string, es model.EventSync, n Notification) {
	appLog.Warn("notification on unrecognized channel, stopping it", "user_id", userID, "calendar_id", es.CalendarID,
		"channel_id", n.ChannelID, "err", syncerr.ErrChannelNotFound)
	if err := d.channels.StopChannel(ctx, userID, n.ChannelID, n.ResourceID); err != nil {
		appLog.Error("stop unrecognized channel failed", err, "user_id", userID, "channel_id", n.ChannelID)
	}

	expired := !es.ChannelExpiration.IsZero() && !es.ChannelExpiration.After(d.Now())
	if es.Watching() && !expired {
		return
	}
	if _, err := d.channels.Refresh(ctx, userID, es.CalendarID); err != nil {
		appLog.Error("channel refresh failed", err, "user_id", userID, "calendar_id", es.CalendarID)
	}
}

// importLocked reads the calendar's current token and imports from it
// while holding the calendar's run lock.
func (d *Dispatcher) importLocked(ctx context.Context, userID, calendarID string) (importer.IncrementalResult, error) {
	unlock, err := d.locker.Lock(ctx, userID, calendarID)
	if err != nil {
		return importer.IncrementalResult{}, err
	}
	defer unlock()

	rec, err := d.states.Find(ctx, store.ByCalendar(userID, calendarID))
	if err != nil {
		return importer.IncrementalResult{}, err
	}
	es, _ := rec.EventSync(calendarID)
	return d.importer.Import(ctx, userID, calendarID, es.SyncToken)
}
