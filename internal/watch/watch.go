// Package watch manages provider push-notification channels per calendar.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
)

const DefaultTTL = 7 * 24 * time.Hour

type Options struct {
	// CallbackURL receives the provider's notifications. Must be https.
	CallbackURL string

	// Token is echoed back in x-goog-channel-token.
	Token string

	// TTL is the requested channel lifetime; the provider may shorten it.
	TTL time.Duration
}

// Manager starts, refreshes and stops channels and keeps the SyncRecord's
// watch fields in step.
type Manager struct {
	provider gcal.Provider
	states   store.SyncStateStore
	opts     Options

	NewID func() string
	Now   func() time.Time
}

func NewManager(provider gcal.Provider, states store.SyncStateStore, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Manager{
		provider: provider,
		states:   states,
		opts:     opts,
		NewID:    uuid.NewString,
		Now:      time.Now,
	}
}

// Start opens a new channel for the calendar and stores its identifiers.
// A malformed request is returned as ErrMalformedWatch.
func (m *Manager) Start(ctx context.Context, userID, calendarID string) (model.EventSync, error) {
	if userID == "" || calendarID == "" {
		return model.EventSync{}, store.ErrInvalidInput
	}
	ch, err := m.provider.Watch(ctx, userID, gcal.WatchRequest{
		CalendarID: calendarID,
		ChannelID:  m.NewID(),
		Address:    m.opts.CallbackURL,
		Token:      m.opts.Token,
		TTL:        m.opts.TTL,
	})
	if err != nil {
		return model.EventSync{}, err
	}
	es := model.EventSync{
		CalendarID:        calendarID,
		ChannelID:         ch.ID,
		ResourceID:        ch.ResourceID,
		ChannelExpiration: ch.Expiration,
		LastRefreshedAt:   m.Now().UTC(),
	}
	if err := m.states.SaveWatch(ctx, userID, es); err != nil {
		// The channel is live but unknown to us; drop it rather than leak it.
		if stopErr := m.provider.StopChannel(ctx, userID, ch.ID, ch.ResourceID); stopErr != nil {
			appLog.Error("stop unsaved channel failed", stopErr, "user_id", userID, "channel_id", ch.ID)
		}
		return model.EventSync{}, fmt.Errorf("save watch: %w", err)
	}
	appLog.Info("watch started",
		"user_id", userID,
		"calendar_id", calendarID,
		"channel_id", ch.ID,
		"expiration", ch.Expiration.Format(time.RFC3339),
	)
	return es, nil
}

// Stop closes the calendar's channel, if any, and clears its watch fields.
// A channel the provider no longer knows counts as stopped.
func (m *Manager) Stop(ctx context.Context, userID, calendarID string) error {
	rec, err := m.states.Find(ctx, store.ByCalendar(userID, calendarID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	es, _ := rec.EventSync(calendarID)
	return m.stop(ctx, userID, es)
}

func (m *Manager) stop(ctx context.Context, userID string, es model.EventSync) error {
	if !es.Watching() {
		return nil
	}
	if err := m.provider.StopChannel(ctx, userID, es.ChannelID, es.ResourceID); err != nil {
		return err
	}
	cleared := model.EventSync{CalendarID: es.CalendarID, LastRefreshedAt: es.LastRefreshedAt}
	if err := m.states.SaveWatch(ctx, userID, cleared); err != nil {
		return fmt.Errorf("clear watch: %w", err)
	}
	appLog.Info("watch stopped", "user_id", userID, "calendar_id", es.CalendarID, "channel_id", es.ChannelID)
	return nil
}

// StopChannel stops a channel the record does not track, such as one left
// over from a stop that failed. Stored watch fields are left alone and a
// channel the provider no longer knows counts as stopped.
func (m *Manager) StopChannel(ctx context.Context, userID, channelID, resourceID string) error {
	if channelID == "" {
		return nil
	}
	if err := m.provider.StopChannel(ctx, userID, channelID, resourceID); err != nil {
		return err
	}
	appLog.Info("stray channel stopped", "user_id", userID, "channel_id", channelID)
	return nil
}

// Refresh replaces the calendar's channel with one under a fresh id. A
// failure to stop the old channel is logged and does not prevent the start.
func (m *Manager) Refresh(ctx context.Context, userID, calendarID string) (model.EventSync, error) {
	if err := m.Stop(ctx, userID, calendarID); err != nil {
		appLog.Error("stop before refresh failed", err, "user_id", userID, "calendar_id", calendarID)
	}
	return m.Start(ctx, userID, calendarID)
}

// StopAll stops every channel of the user. All channels are attempted; the
// failures are joined.
func (m *Manager) StopAll(ctx context.Context, userID string) error {
	rec, err := m.states.Find(ctx, store.ByUser(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, es := range rec.EventSyncs {
		if err := m.stop(ctx, userID, es); err != nil {
			appLog.Error("stop watch failed", err, "user_id", userID, "calendar_id", es.CalendarID)
			errs = append(errs, fmt.Errorf("%s: %w", es.CalendarID, err))
		}
	}
	return errors.Join(errs...)
}

// RenewExpiring refreshes every channel that expires within d and returns
// the number refreshed.
func (m *Manager) RenewExpiring(ctx context.Context, d time.Duration) (int, error) {
	users, err := m.states.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	now := m.Now()
	renewed := 0
	var errs []error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return renewed, err
		}
		rec, err := m.states.Find(ctx, store.ByUser(userID))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		for _, es := range rec.EventSyncs {
			if !es.ExpiresWithin(now, d) {
				continue
			}
			if _, err := m.Refresh(ctx, userID, es.CalendarID); err != nil {
				appLog.Error("renew watch failed", err, "user_id", userID, "calendar_id", es.CalendarID)
				errs = append(errs, fmt.Errorf("%s/%s: %w", userID, es.CalendarID, err))
				continue
			}
			renewed++
		}
	}
	return renewed, errors.Join(errs...)
}

// ChannelNotFound reports whether no entry of known carries channelID.
func ChannelNotFound(known []model.EventSync, channelID string) bool {
	for _, es := range known {
		if es.ChannelID == channelID {
			return false
		}
	}
	return true
}
