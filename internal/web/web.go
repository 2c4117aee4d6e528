package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"calsync/internal/config"
	"calsync/internal/event"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/report"
	"calsync/internal/snapshot"
	"calsync/internal/syncer"
)

const (
	defaultAgendaDays = 7
	maxAgendaDays     = 62
	agendaCacheTTL    = 30 * time.Second
)

// Runner runs and remembers scope syncs. *syncer.Syncer implements it.
type Runner interface {
	Run(ctx context.Context, scope string, opts syncer.Options) (*report.Report, error)
	Last(scope string) (*report.Report, bool)
}

// Server provides the status API: health, scope overview, agenda and a
// manual sync trigger.
type Server struct {
	cfg     *config.Config
	store   *snapshot.Store
	builder *event.Builder
	runner  Runner
	mux     *http.ServeMux

	// Now defaults to time.Now; its date starts the agenda window.
	Now func() time.Time

	// In-memory cache for agenda responses, dropped whenever a sync runs.
	agendaMu    sync.RWMutex
	agendaCache map[string]*agendaCache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, store *snapshot.Store, builder *event.Builder, runner Runner) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		builder:     builder,
		runner:      runner,
		mux:         http.NewServeMux(),
		Now:         time.Now,
		agendaCache: make(map[string]*agendaCache),
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

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
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

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts the
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/scopes", s.handleScopes)
	s.mux.HandleFunc("GET /api/scopes/{scope}/agenda", s.handleAgenda)
	s.mux.HandleFunc("POST /api/scopes/{scope}/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// lastRun is the short form of a run report shown in the scope list.
type lastRun struct {
	Timestamp time.Time   `json:"timestamp"`
	Mode      report.Mode `json:"mode"`
	OK        bool        `json:"ok"`
	Created   int         `json:"created"`
	Deleted   int         `json:"deleted"`
	Failed    int         `json:"failed"`
}

// scopeStatus is one entry of /api/scopes.
type scopeStatus struct {
	Key       string     `json:"key"`
	Kind      model.Kind `json:"kind"`
	Schedules int        `json:"schedules"`
	SyncedAt  *time.Time `json:"synced_at"`
	Events    int        `json:"events"`
	LastRun   *lastRun   `json:"last_run,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (s *Server) handleScopes(w http.ResponseWriter, _ *http.Request) {
	out := make([]scopeStatus, 0, len(s.cfg.Scopes))
	for _, sc := range s.cfg.Scopes {
		st := scopeStatus{Key: sc.Key, Kind: sc.Kind, Schedules: len(sc.Schedules)}
		snap, found, err := s.store.Load(sc.Key)
		switch {
		case err != nil:
			appLog.Error("api scopes: snapshot unreadable", err, "scope", sc.Key)
			st.Error = "snapshot unreadable"
		case found:
			syncedAt := snap.SyncedAt
			st.SyncedAt = &syncedAt
			st.Events = snap.Events.Count()
		}
		if r, ok := s.runner.Last(sc.Key); ok {
			st.LastRun = &lastRun{
				Timestamp: r.Timestamp,
				Mode:      r.Mode,
				OK:        r.OK(),
				Created:   r.Created,
				Deleted:   r.Deleted,
				Failed:    r.Failed,
			}
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

// agendaResponse is the JSON response shape for the agenda endpoint.
type agendaResponse struct {
	Scope       string             `json:"scope"`
	SyncedAt    *time.Time         `json:"synced_at"`
	RangeStart  time.Time          `json:"range_start"`
	RangeEnd    time.Time          `json:"range_end"`
	TimeZone    string             `json:"timezone"`
	Occurrences []model.Occurrence `json:"occurrences"`
}

// agendaCache holds a cached agenda response and its timestamp.
type agendaCache struct {
	resp      agendaResponse
	updatedAt time.Time
}

// handleAgenda expands the scope's snapshot into the occurrences of the
// next days.
//
// GET /api/scopes/{scope}/agenda?days=7
func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("scope")
	if _, ok := s.cfg.Scope(key); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown scope %q", key))
		return
	}
	days := parseIntDefault(r.URL.Query().Get("days"), defaultAgendaDays)
	if days <= 0 {
		days = defaultAgendaDays
	}
	days = min(days, maxAgendaDays)

	now := s.Now()
	from := model.DateOf(now.In(s.builder.Location()))
	cacheKey := fmt.Sprintf("%s/%d/%s", key, days, from)

	s.agendaMu.RLock()
	ac := s.agendaCache[cacheKey]
	s.agendaMu.RUnlock()
	if ac != nil && now.Sub(ac.updatedAt) < agendaCacheTTL {
		writeJSON(w, http.StatusOK, ac.resp)
		return
	}

	snap, found, err := s.store.Load(key)
	if err != nil {
		appLog.Error("api agenda: snapshot unreadable", err, "scope", key)
		writeError(w, http.StatusInternalServerError, "failed to read snapshot")
		return
	}
	window := ics.DaysFrom(from, days, s.builder.Location())
	resp := agendaResponse{
		Scope:       key,
		RangeStart:  window.From,
		RangeEnd:    window.To,
		TimeZone:    s.builder.Location().String(),
		Occurrences: []model.Occurrence{},
	}
	if found {
		syncedAt := snap.SyncedAt
		resp.SyncedAt = &syncedAt
		occ, err := ics.Agenda(s.builder, snap.Events, from, days)
		if err != nil {
			appLog.Error("api agenda: expand failed", err, "scope", key)
			writeError(w, http.StatusInternalServerError, "failed to expand events")
			return
		}
		if occ != nil {
			resp.Occurrences = occ
		}
	}

	s.agendaMu.Lock()
	s.agendaCache[cacheKey] = &agendaCache{resp: resp, updatedAt: now}
	s.agendaMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// handleSync runs the scope now and returns the run report.
//
// POST /api/scopes/{scope}/sync?dry_run=1
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("scope")
	if _, ok := s.cfg.Scope(key); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown scope %q", key))
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	// A client disconnect must not abort a run halfway through its writes.
	ctx := context.WithoutCancel(r.Context())
	appLog.Info("api sync requested", "scope", key, "dry_run", dryRun)
	rep, err := s.runner.Run(ctx, key, syncer.Options{DryRun: dryRun})
	if !dryRun {
		s.dropAgendaCache()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) dropAgendaCache() {
	s.agendaMu.Lock()
	clear(s.agendaCache)
	s.agendaMu.Unlock()
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
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
