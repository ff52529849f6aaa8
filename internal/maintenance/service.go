// Package maintenance keeps every watched calendar bootstrapped, current
// and watched, and removes users whose access is gone.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SwitchbackTech/compass-sub004/internal/importer"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

// Action kinds in a Report.
const (
	ActionBootstrap    = "bootstrap"
	ActionIncremental  = "incremental"
	ActionRefreshWatch = "refresh_watch"
	ActionStartWatch   = "start_watch"
	ActionDisconnect   = "disconnect"
)

// Action is one step taken (or planned, in a dry run) for a calendar.
type Action struct {
	CalendarID string `json:"calendarId,omitempty"`
	Kind       string `json:"action"`
	Created    int    `json:"created,omitempty"`
	Updated    int    `json:"updated,omitempty"`
	Deleted    int    `json:"deleted,omitempty"`
	Incomplete bool   `json:"incomplete,omitempty"`
	Error      string `json:"error,omitempty"`

	err error
}

type Report struct {
	UserID  string   `json:"userId"`
	DryRun  bool     `json:"dryRun"`
	Actions []Action `json:"actions"`
	Error   string   `json:"error,omitempty"`
}

// Failed reports whether any action failed.
func (r Report) Failed() bool {
	if r.Error != "" {
		return true
	}
	for _, a := range r.Actions {
		if a.Error != "" {
			return true
		}
	}
	return false
}

type FullImporter interface {
	Import(ctx context.Context, userID, calendarID string) (importer.FullResult, error)
}

type IncrementalImporter interface {
	Import(ctx context.Context, userID, calendarID, syncToken string) (importer.IncrementalResult, error)
}

type Watcher interface {
	Start(ctx context.Context, userID, calendarID string) (model.EventSync, error)
	Refresh(ctx context.Context, userID, calendarID string) (model.EventSync, error)
	StopAll(ctx context.Context, userID string) error
}

// TokenRemover forgets a user's provider credentials.
type TokenRemover interface {
	Delete(userID string) error
}

type Options struct {
	RenewBefore time.Duration
	Concurrency int
	RunTimeout  time.Duration
}

// Service runs bootstrap, maintenance and disconnect flows. Every import it
// starts holds the calendar's run lock.
type Service struct {
	states      store.SyncStateStore
	events      store.EventStore
	full        FullImporter
	incremental IncrementalImporter
	watches     Watcher
	locker      *importer.RunLocker
	tokens      TokenRemover
	opts        Options

	Now func() time.Time
}

// NewService wires a Service. tokens may be nil.
func NewService(states store.SyncStateStore, events store.EventStore, full FullImporter, incremental IncrementalImporter, watches Watcher, locker *importer.RunLocker, tokens TokenRemover, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RenewBefore <= 0 {
		opts.RenewBefore = 24 * time.Hour
	}
	if locker == nil {
		locker = importer.NewRunLocker()
	}
	return &Service{
		states:      states,
		events:      events,
		full:        full,
		incremental: incremental,
		watches:     watches,
		locker:      locker,
		tokens:      tokens,
		opts:        opts,
		Now:         time.Now,
	}
}

// Bootstrap fully imports the calendar, stores the new sync token and
// makes sure a watch channel is open.
func (s *Service) Bootstrap(ctx context.Context, userID, calendarID string) error {
	if _, err := s.bootstrap(ctx, userID, calendarID); err != nil {
		return err
	}
	return s.ensureWatch(ctx, userID, calendarID)
}

// FullSync runs a locked full import and stores its sync token without
// touching the watch channel.
func (s *Service) FullSync(ctx context.Context, userID, calendarID string) (importer.FullResult, error) {
	return s.bootstrap(ctx, userID, calendarID)
}

func (s *Service) bootstrap(ctx context.Context, userID, calendarID string) (importer.FullResult, error) {
	unlock, err := s.locker.Lock(ctx, userID, calendarID)
	if err != nil {
		return importer.FullResult{}, err
	}
	defer unlock()

	res, err := s.full.Import(ctx, userID, calendarID)
	if err != nil {
		return res, err
	}
	if err := s.states.SetSyncToken(ctx, userID, calendarID, res.SyncToken, s.Now().UTC()); err != nil {
		return res, syncerr.New(syncerr.KindPersistence, "store sync token", err)
	}
	return res, nil
}

func (s *Service) ensureWatch(ctx context.Context, userID, calendarID string) error {
	rec, err := s.states.Find(ctx, store.ByCalendar(userID, calendarID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if es, ok := rec.EventSync(calendarID); ok && es.Watching() {
		return nil
	}
	_, err = s.watches.Start(ctx, userID, calendarID)
	return err
}

// Maintain brings every calendar of the user up to date. With dryRun the
// report lists what would be done without doing it. Revoked access
// disconnects the user and ends the run.
func (s *Service) Maintain(ctx context.Context, userID string, dryRun bool) (Report, error) {
	rep := Report{UserID: userID, DryRun: dryRun}
	rec, err := s.states.Find(ctx, store.ByUser(userID))
	if err != nil {
		return rep, err
	}
	now := s.Now()

	for _, es := range rec.EventSyncs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		act := Action{CalendarID: es.CalendarID, Kind: ActionIncremental}
		if es.SyncToken == "" {
			act.Kind = ActionBootstrap
		}
		if !dryRun {
			s.sync(ctx, userID, es, &act)
		}
		rep.Actions = append(rep.Actions, act)
		if errors.Is(act.err, syncerr.ErrAccessRevoked) {
			return s.revoked(ctx, rep), nil
		}

		watchAct := Action{CalendarID: es.CalendarID}
		switch {
		case !es.Watching():
			watchAct.Kind = ActionStartWatch
		case es.ExpiresWithin(now, s.opts.RenewBefore):
			watchAct.Kind = ActionRefreshWatch
		default:
			continue
		}
		if act.Kind == ActionBootstrap && watchAct.Kind == ActionStartWatch && !dryRun && act.Error == "" {
			// bootstrap already opened the channel
			continue
		}
		if !dryRun {
			var err error
			if watchAct.Kind == ActionStartWatch {
				_, err = s.watches.Start(ctx, userID, es.CalendarID)
			} else {
				_, err = s.watches.Refresh(ctx, userID, es.CalendarID)
			}
			if err != nil {
				appLog.Error("watch maintenance failed", err, "user_id", userID, "calendar_id", es.CalendarID, "action", watchAct.Kind)
				watchAct.Error = err.Error()
			}
		}
		rep.Actions = append(rep.Actions, watchAct)
	}
	return rep, nil
}

// sync runs the import an entry needs and records the outcome on act. An
// invalid token turns an incremental run into a bootstrap.
func (s *Service) sync(ctx context.Context, userID string, es model.EventSync, act *Action) {
	if act.Kind == ActionBootstrap {
		if err := s.Bootstrap(ctx, userID, es.CalendarID); err != nil {
			s.fail(userID, act, err)
		}
		return
	}

	res, err := s.incrementalLocked(ctx, userID, es.CalendarID)
	act.Created, act.Updated, act.Deleted = res.Created, res.Updated, res.Deleted
	act.Incomplete = res.Incomplete
	if errors.Is(err, syncerr.ErrInvalidToken) {
		appLog.Warn("sync token rejected, bootstrapping", "user_id", userID, "calendar_id", es.CalendarID)
		act.Kind = ActionBootstrap
		if err := s.Bootstrap(ctx, userID, es.CalendarID); err != nil {
			s.fail(userID, act, err)
		}
		return
	}
	if err != nil {
		s.fail(userID, act, err)
	}
}

func (s *Service) incrementalLocked(ctx context.Context, userID, calendarID string) (importer.IncrementalResult, error) {
	unlock, err := s.locker.Lock(ctx, userID, calendarID)
	if err != nil {
		return importer.IncrementalResult{}, err
	}
	defer unlock()

	// Read under the lock so a run that just finished is not repeated.
	rec, err := s.states.Find(ctx, store.ByCalendar(userID, calendarID))
	if err != nil {
		return importer.IncrementalResult{}, err
	}
	es, _ := rec.EventSync(calendarID)
	return s.incremental.Import(ctx, userID, calendarID, es.SyncToken)
}

func (s *Service) fail(userID string, act *Action, err error) {
	appLog.Error("calendar maintenance failed", err, "user_id", userID, "calendar_id", act.CalendarID, "action", act.Kind)
	act.Error = err.Error()
	act.err = err
}

func (s *Service) revoked(ctx context.Context, rep Report) Report {
	appLog.Warn("access revoked, disconnecting user", "user_id", rep.UserID)
	act := Action{Kind: ActionDisconnect}
	if err := s.Disconnect(ctx, rep.UserID); err != nil {
		act.Error = err.Error()
	}
	rep.Actions = append(rep.Actions, act)
	return rep
}

// MaintainAll maintains every known user with bounded concurrency. Per-user
// failures are carried in the reports.
func (s *Service) MaintainAll(ctx context.Context, dryRun bool) ([]Report, error) {
	users, err := s.states.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	reports := make([]Report, len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, userID := range users {
		g.Go(func() error {
			runCtx := gctx
			if s.opts.RunTimeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(gctx, s.opts.RunTimeout)
				defer cancel()
			}
			rep, err := s.Maintain(runCtx, userID, dryRun)
			if err != nil {
				appLog.Error("user maintenance failed", err, "user_id", userID)
				rep.UserID = userID
				rep.Error = err.Error()
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	failed := 0
	for _, r := range reports {
		if r.Failed() {
			failed++
		}
	}
	appLog.Info("maintenance finished",
		"users", len(users),
		"failed", failed,
		"dry_run", dryRun,
		"elapsed", time.Since(started).String(),
	)
	return reports, ctx.Err()
}

// Disconnect stops every watch of the user and deletes all of the user's
// events, sync state and credentials. Channel stop failures are only
// logged.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	if err := s.watches.StopAll(ctx, userID); err != nil {
		appLog.Error("stop watches on disconnect failed", err, "user_id", userID)
	}
	var errs []error
	n, err := s.events.DeleteUser(ctx, userID)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete events: %w", err))
	}
	if err := s.states.Delete(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("delete sync state: %w", err))
	}
	if s.tokens != nil {
		if err := s.tokens.Delete(userID); err != nil {
			errs = append(errs, fmt.Errorf("delete token: %w", err))
		}
	}
	appLog.Info("user disconnected", "user_id", userID, "events_deleted", n)
	return errors.Join(errs...)
}
