package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alexis-rarchaert/edtversnotion/internal/config"
	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/model"
	"github.com/alexis-rarchaert/edtversnotion/internal/pipeline"
	"github.com/alexis-rarchaert/edtversnotion/internal/reconcile"
	"github.com/alexis-rarchaert/edtversnotion/internal/scheduler"
)

// Previewer produces merged descriptors without writing anything.
type Previewer interface {
	Descriptors(ctx context.Context, windowStart, windowEnd time.Time) ([]model.Descriptor, int, error)
}

// Runner runs syncs on demand and reports their state.
type Runner interface {
	Trigger(ctx context.Context, trigger string) (scheduler.RunStatus, error)
	Status() scheduler.Status
}

// Server exposes health, status, a dry-run preview and a manual trigger.
type Server struct {
	cfg     *config.Config
	loc     *time.Location
	preview Previewer
	runner  Runner
	mux     *http.ServeMux
	now     func() time.Time

	// In-memory cache for /api/preview so repeated requests do not refetch
	// the feed.
	previewMu    sync.RWMutex
	previewCache *previewCache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, loc *time.Location, preview Previewer, runner Runner) *Server {
	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		cfg:     cfg,
		loc:     loc,
		preview: preview,
		runner:  runner,
		mux:     http.NewServeMux(),
		now:     time.Now,
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

// basicAuthEnabled reports whether HTTP Basic Auth is configured. Empty
// credentials disable it.
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
			w.Header().Set("WWW-Authenticate", `Basic realm="edtsync", charset="UTF-8"`)
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

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
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
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/preview", s.handlePreview)
	s.mux.HandleFunc("POST /api/run", s.handleRun)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Job        scheduler.Status `json:"job"`
	Store      string           `json:"store"`
	Schedule   string           `json:"schedule"`
	Timezone   string           `json:"timezone"`
	WindowDays int              `json:"window_days"`
	Feeds      []string         `json:"feeds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	feeds := make([]string, 0, len(s.cfg.Feeds))
	for _, f := range s.cfg.Feeds {
		feeds = append(feeds, f.ID)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Job:        s.runner.Status(),
		Store:      s.cfg.Store,
		Schedule:   s.cfg.Schedule,
		Timezone:   s.loc.String(),
		WindowDays: s.cfg.WindowDays,
		Feeds:      feeds,
	})
}

// maxPreviewDays bounds recurrence expansion on a preview cache miss.
const maxPreviewDays = 31

// previewResponse is the JSON response shape for /api/preview.
type previewResponse struct {
	Courses     []courseDTO `json:"courses"`
	Entries     int         `json:"entries"`
	RangeStart  time.Time   `json:"range_start"`
	RangeEnd    time.Time   `json:"range_end"`
	GeneratedAt time.Time   `json:"generated_at"`
}

type previewCache struct {
	days      int
	resp      previewResponse
	updatedAt time.Time
}

// courseDTO is a JSON-friendly view of a descriptor plus what the sync
// would do with it before looking at the store.
type courseDTO struct {
	CourseKey   string    `json:"course_key"`
	LookupToken string    `json:"lookup_token"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Categories  []string  `json:"categories"`
	Tutors      []string  `json:"tutors"`
	Groups      []string  `json:"groups"`
	Rooms       []string  `json:"rooms"`
	Notes       string    `json:"notes"`
	Location    string    `json:"location,omitempty"`
	Merged      bool      `json:"merged"`
	Complete    bool      `json:"complete"`
}

// handlePreview returns the merged course descriptors for the window.
//
// GET /api/preview?days=7
//   - days: how many days ahead to look (defaults to window_days, at most
//     maxPreviewDays)
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), s.cfg.WindowDays)
	if days <= 0 {
		days = s.cfg.WindowDays
	}
	days = min(days, maxPreviewDays)

	const previewCacheTTL = 30 * time.Second
	now := s.now()

	s.previewMu.RLock()
	pc := s.previewCache
	s.previewMu.RUnlock()
	if pc != nil && pc.days == days && now.Sub(pc.updatedAt) < previewCacheTTL {
		writeJSON(w, http.StatusOK, pc.resp)
		return
	}

	start, end := pipeline.Window(now.In(s.loc), days)
	descs, entries, err := s.preview.Descriptors(r.Context(), start, end)
	if err != nil {
		appLog.Error("api preview: feed read failed", err, "days", days)
		writeError(w, http.StatusBadGateway, "failed to read calendar feed")
		return
	}

	courses := make([]courseDTO, 0, len(descs))
	for _, d := range descs {
		courses = append(courses, courseDTO{
			CourseKey:   d.CourseKey,
			LookupToken: reconcile.LookupToken(d.CourseKey),
			Start:       d.Start,
			End:         d.End,
			Categories:  d.Categories,
			Tutors:      d.Tutors,
			Groups:      d.Groups,
			Rooms:       d.Rooms,
			Notes:       d.Notes,
			Location:    d.Location,
			Merged:      d.Merged,
			Complete:    d.Complete(),
		})
	}
	resp := previewResponse{
		Courses:     courses,
		Entries:     entries,
		RangeStart:  start,
		RangeEnd:    end,
		GeneratedAt: now,
	}

	s.previewMu.Lock()
	s.previewCache = &previewCache{days: days, resp: resp, updatedAt: now}
	s.previewMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// handleRun starts a sync and waits for it. The run is detached from the
// request so a dropped client does not abort it halfway.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.runner.Trigger(context.WithoutCancel(r.Context()), "api")
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, st)
	default:
		writeJSON(w, http.StatusOK, st)
	}
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
