package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/SwitchbackTech/compass-sub004/internal/live"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/maintenance"
	"github.com/SwitchbackTech/compass-sub004/internal/notify"
	"github.com/SwitchbackTech/compass-sub004/internal/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification endpoint, the API and the maintenance schedule",
	Long: `Run the HTTP server that receives Google Calendar push notifications and
serves the /api surface, together with the periodic maintenance sweep when
maintenance.schedule is set.

Example usage:
  calsync serve --config /etc/calsync/config.yaml
  calsync serve --listen :8443 --store postgres://calsync@db/calsync`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLog.Error("close failed", err)
		}
	}()
	ctx := cmd.Context()

	var hub *live.Hub
	var notifier notify.SyncNotifier
	if a.cfg.Live.Enabled {
		hub = live.NewHub()
		defer hub.Close()
		notifier = hub
	}
	dispatcher := notify.NewDispatcher(a.backend, a.incremental, a.locker, a.maint, a.watches, notifier)

	deps := web.Deps{
		Dispatcher:  dispatcher,
		Maintenance: a.maint,
		Watches:     a.watches,
		Events:      a.backend,
	}
	if hub != nil {
		deps.Live = hub
	}
	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           web.NewServer(a.cfg, deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if spec := a.cfg.Maintenance.Schedule; spec != "" {
		sched, err := maintenance.NewScheduler(a.maint, a.watches, spec)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
		appLog.Info("maintenance scheduled", "schedule", spec, "next", sched.Next())
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+a.cfg.Listen, "live", hub != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	appLog.Info("signal received, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("calsync exiting")
	return nil
}
