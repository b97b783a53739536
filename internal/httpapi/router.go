// Package httpapi is the operator HTTP surface: start and stop broadcasts,
// inspect jobs and sessions, health, metrics and optional pprof.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sender/internal/broadcast"
	"sender/internal/jobs"
	"sender/internal/session"
	logx "sender/pkg/logx"
)

// Jobs is the part of jobs.Controller the API drives.
type Jobs interface {
	Submit(ctx context.Context, req jobs.StartRequest) error
	Stop(ctx context.Context, jobID string) (bool, error)
	Active() []string
}

type JobReader interface {
	FindJob(ctx context.Context, id string) (broadcast.Job, error)
	ListJobs(ctx context.Context, status broadcast.Status, limit int) ([]broadcast.Job, error)
}

type Sessions interface {
	Snapshot() []session.SessionInfo
	Release(accountID string) error
	Probe(ctx context.Context, accountID string) (bool, error)
}

// Deps are the collaborators behind the routes. Metrics may be nil.
type Deps struct {
	Jobs     Jobs
	Store    JobReader
	Sessions Sessions
	Metrics  http.Handler
	Log      logx.Logger
	// Token enables bearer auth on every route except /healthz.
	Token string
	Pprof bool
}

type api struct {
	Deps
	started time.Time
}

func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	a := &api{Deps: d, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)

	r.Group(func(r chi.Router) {
		r.Use(a.auth)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", a.listJobs)
			r.Get("/active", a.activeJobs)
			r.Get("/{id}", a.getJob)
			r.Post("/{id}/start", a.startJob)
			r.Post("/{id}/stop", a.stopJob)
		})
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", a.listSessions)
			r.Post("/{account}/probe", a.probeSession)
			r.Delete("/{account}", a.releaseSession)
		})
		if d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics)
		}
		if d.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(a.started).Round(time.Second).String(),
		"active_jobs": len(a.Jobs.Active()),
		"sessions":    len(a.Sessions.Snapshot()),
	})
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	status := broadcast.Status(strings.ToLower(r.URL.Query().Get("status")))
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	list, err := a.Store.ListJobs(r.Context(), status, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if list == nil {
		list = []broadcast.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) activeJobs(w http.ResponseWriter, _ *http.Request) {
	ids := a.Jobs.Active()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": ids})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Store.FindJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) startJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}
	id := chi.URLParam(r, "id")
	if req.JobID != "" && req.JobID != id {
		writeError(w, http.StatusBadRequest, errors.New("job_id does not match path"))
		return
	}
	req.JobID = id
	req.Platform = broadcast.ParsePlatform(string(req.Platform))

	// The job outlives the request.
	if err := a.Jobs.Submit(context.WithoutCancel(r.Context()), req); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "accepted": true})
}

func (a *api) stopJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stopped, err := a.Jobs.Stop(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "stopped": stopped})
}

func (a *api) listSessions(w http.ResponseWriter, _ *http.Request) {
	list := a.Sessions.Snapshot()
	if list == nil {
		list = []session.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) probeSession(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	ok, err := a.Sessions.Probe(r.Context(), account)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": account, "authenticated": ok})
}

func (a *api) releaseSession(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Release(chi.URLParam(r, "account")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (a *api) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(a.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if !tokenMatches(got, tok) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrJobNotFound), errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, broadcast.ErrUnsupportedPlatform), errors.Is(err, broadcast.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, broadcast.ErrJobActive), errors.Is(err, broadcast.ErrJobTerminal), errors.Is(err, broadcast.ErrAccountBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
