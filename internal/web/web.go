package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/SwitchbackTech/compass-sub004/internal/config"
	"github.com/SwitchbackTech/compass-sub004/internal/export"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/maintenance"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/notify"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

const notificationPath = "/notifications/google"

// Dispatcher handles one parsed push notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification) (notify.Outcome, error)
}

// Maintainer is the part of maintenance.Service the API exposes.
type Maintainer interface {
	Bootstrap(ctx context.Context, userID, calendarID string) error
	Maintain(ctx context.Context, userID string, dryRun bool) (maintenance.Report, error)
	MaintainAll(ctx context.Context, dryRun bool) ([]maintenance.Report, error)
	Disconnect(ctx context.Context, userID string) error
}

type Watches interface {
	Start(ctx context.Context, userID, calendarID string) (model.EventSync, error)
	Stop(ctx context.Context, userID, calendarID string) error
	StopAll(ctx context.Context, userID string) error
}

// LiveHub upgrades a request into a live signal connection for userID.
type LiveHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// Deps are the components behind the HTTP surface. Live may be nil.
type Deps struct {
	Dispatcher  Dispatcher
	Maintenance Maintainer
	Watches     Watches
	Events      store.EventStore
	Live        LiveHub
}

// Server exposes the provider callback endpoint and the /api surface.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards everything except /health and the provider
// callback, which authenticates with the channel token instead.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == notificationPath {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST "+notificationPath, s.handleNotification)

	s.mux.HandleFunc("POST /api/maintenance", s.handleMaintainAll)
	s.mux.HandleFunc("POST /api/users/{user}/maintenance", s.handleMaintain)
	s.mux.HandleFunc("POST /api/users/{user}/calendars/{calendar}/import", s.handleImport)
	s.mux.HandleFunc("POST /api/users/{user}/calendars/{calendar}/watch", s.handleStartWatch)
	s.mux.HandleFunc("DELETE /api/users/{user}/calendars/{calendar}/watch", s.handleStopWatch)
	s.mux.HandleFunc("DELETE /api/users/{user}/watches", s.handleStopAll)
	s.mux.HandleFunc("DELETE /api/users/{user}", s.handleDisconnect)
	s.mux.HandleFunc("GET /api/users/{user}/calendars/{calendar}/events.ics", s.handleExport)
	s.mux.HandleFunc("GET /api/users/{user}/live", s.handleLive)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleNotification answers 400 for malformed headers and 403 for a wrong
// channel token. Anything that gets past those checks is acknowledged with
// 200 whatever the dispatch result, so the provider does not retry.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<16))

	n, err := notify.ParseNotification(r.Header)
	if err != nil {
		appLog.Warn("rejecting notification", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg != nil && !n.TokenMatches(s.cfg.Watch.ChannelToken) {
		appLog.Warn("notification token mismatch", "channel_id", n.ChannelID)
		writeError(w, http.StatusForbidden, "channel token mismatch")
		return
	}

	// The import outlives the provider's connection if it hangs up early.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.runTimeout())
	defer cancel()
	outcome, err := s.deps.Dispatcher.Dispatch(ctx, n)
	if err != nil {
		appLog.Error("notification dispatch failed", err,
			"channel_id", n.ChannelID, "resource_id", n.ResourceID, "outcome", outcome.String())
	} else {
		appLog.Debug("notification dispatched", "channel_id", n.ChannelID, "outcome", outcome.String())
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMaintainAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DryRun bool `json:"dry_run"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := s.deps.Maintenance.MaintainAll(r.Context(), body.DryRun || dryRun(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if reports == nil {
		reports = []maintenance.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleMaintain(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Maintenance.Maintain(r.Context(), r.PathValue("user"), dryRun(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	user, cal := r.PathValue("user"), r.PathValue("calendar")
	if err := s.deps.Maintenance.Bootstrap(r.Context(), user, cal); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": user, "calendarId": cal, "status": "imported"})
}

func (s *Server) handleStartWatch(w http.ResponseWriter, r *http.Request) {
	es, err := s.deps.Watches.Start(r.Context(), r.PathValue("user"), r.PathValue("calendar"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, es)
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Watches.Stop(r.Context(), r.PathValue("user"), r.PathValue("calendar")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Watches.StopAll(r.Context(), r.PathValue("user")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Maintenance.Disconnect(r.Context(), r.PathValue("user")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	user, cal := r.PathValue("user"), r.PathValue("calendar")
	records, err := s.deps.Events.List(r.Context(), user, cal)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": cal + ".ics"}))
	if err := export.Write(w, cal, records); err != nil {
		appLog.Error("failed to write calendar export", err, "user_id", user, "calendar_id", cal)
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Live == nil {
		writeError(w, http.StatusNotFound, "live channel disabled")
		return
	}
	s.deps.Live.ServeWS(w, r, r.PathValue("user"))
}

func (s *Server) runTimeout() time.Duration {
	if s.cfg == nil || s.cfg.Maintenance.RunTimeout <= 0 {
		return 5 * time.Minute
	}
	return s.cfg.Maintenance.RunTimeout
}

func dryRun(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	return err == nil && v
}

// decodeOptional decodes a JSON body into v; an empty body is fine.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps sync errors onto HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindNoResumptionToken, syncerr.KindTokenConflict, syncerr.KindInvalidToken:
		return http.StatusConflict
	case syncerr.KindNoCalendarMatch, syncerr.KindChannelNotFound:
		return http.StatusNotFound
	case syncerr.KindAccessRevoked:
		return http.StatusForbidden
	case syncerr.KindProviderFetch:
		return http.StatusBadGateway
	case syncerr.KindMalformedWatch:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
