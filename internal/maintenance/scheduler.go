package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
)

// Renewer refreshes channels close to expiry.
type Renewer interface {
	RenewExpiring(ctx context.Context, within time.Duration) (int, error)
}

// Scheduler runs MaintainAll and channel renewal on a cron schedule. A tick
// that is still running when the next one fires causes that one to be
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	svc     *Service
	renewer Renewer
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler parses spec (standard five-field cron syntax) and prepares
// the job. renewer may be nil.
func NewScheduler(svc *Service, renewer Renewer, spec string) (*Scheduler, error) {
	l := cronLogger{}
	s := &Scheduler{
		svc:     svc,
		renewer: renewer,
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing ticks. Ticks run under a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	appLog.Info("maintenance scheduler started", "next", s.Next().Format(time.RFC3339))
}

// Stop cancels a running tick and waits for it to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	appLog.Info("maintenance scheduler stopped")
}

// Next returns when the next tick fires.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.RunOnce(ctx)
}

// RunOnce renews expiring channels first, then maintains every user.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.renewer != nil {
		n, err := s.renewer.RenewExpiring(ctx, s.svc.opts.RenewBefore)
		if err != nil {
			appLog.Error("channel renewal incomplete", err, "renewed", n)
		} else if n > 0 {
			appLog.Info("channels renewed", "renewed", n)
		}
	}
	if _, err := s.svc.MaintainAll(ctx, false); err != nil {
		appLog.Error("scheduled maintenance failed", err)
	}
}

// cronLogger routes cron's own messages to the process logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
