// Package trigger exposes instance management over HTTP. Starting an
// orchestration answers 202 with the URIs to follow the instance.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/types"
	"github.com/davidroman0O/durablite/pkg/logs"
)

// ErrBadRequest marks request bodies that cannot become an orchestration
// input.
var ErrBadRequest = errors.New("bad request")

const maxBodyBytes = 1 << 20

// Instance is the JSON view of an instance.
type Instance struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Status    string           `json:"runtimeStatus"`
	Output    json.RawMessage  `json:"output,omitempty"`
	Failure   *history.Failure `json:"failure,omitempty"`
	CreatedAt time.Time        `json:"createdTime"`
	UpdatedAt time.Time        `json:"lastUpdatedTime"`
}

// Manager is what the routes drive.
type Manager interface {
	StartJSON(ctx context.Context, name string, body []byte) (string, error)
	Status(ctx context.Context, id string) (Instance, error)
	Wait(ctx context.Context, id string, timeout time.Duration) (Instance, error)
	Terminate(ctx context.Context, id, reason string) (Instance, error)
	History(ctx context.Context, id string) ([]history.Event, error)
}

type checkStatus struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
	WaitGetURI        string `json:"waitGetUri"`
	TerminatePostURI  string `json:"terminatePostUri"`
	HistoryGetURI     string `json:"historyGetUri"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type config struct {
	logger      logs.Logger
	waitTimeout time.Duration
}

type Option func(*config)

func WithLogger(logger logs.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithWaitTimeout is used by the wait route when the request names none.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.waitTimeout = timeout
	}
}

type Server struct {
	cfg     config
	manager Manager
}

func New(manager Manager, opts ...Option) *Server {
	cfg := config{
		logger:      logs.Noop(),
		waitTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{cfg: cfg, manager: manager}
}

// RegisterRoutes registers the trigger endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("POST /orchestrators/{name}", s.handleStart)
	mux.HandleFunc("GET /instances/{id}", s.handleStatus)
	mux.HandleFunc("GET /instances/{id}/wait", s.handleWait)
	mux.HandleFunc("POST /instances/{id}/terminate", s.handleTerminate)
	mux.HandleFunc("GET /instances/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handler returns a mux serving only the trigger routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	id, err := s.manager.StartJSON(r.Context(), name, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cfg.logger.Info(r.Context(), "Orchestration started over HTTP", "orchestration", name, "instanceID", id)
	status := checkStatusFor(r, id)
	w.Header().Set("Location", status.StatusQueryGetURI)
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleWait answers 200 with the terminal instance, or 202 with its
// current state when the timeout elapses first.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout := s.cfg.waitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid timeout %q", ErrBadRequest, raw))
			return
		}
		timeout = parsed
	}

	inst, err := s.manager.Wait(r.Context(), id, timeout)
	if errors.Is(err, types.ErrTimeout) {
		current, statusErr := s.manager.Status(r.Context(), id)
		if statusErr != nil {
			s.writeError(w, r, statusErr)
			return
		}
		w.Header().Set("Location", checkStatusFor(r, id).StatusQueryGetURI)
		writeJSON(w, http.StatusAccepted, current)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "terminated over HTTP"
	}
	inst, err := s.manager.Terminate(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.cfg.logger.Error(r.Context(), "Trigger request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrOrchestrationNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateInstance),
		errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func checkStatusFor(r *http.Request, id string) checkStatus {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s/instances/%s", scheme, r.Host, id)
	return checkStatus{
		ID:                id,
		StatusQueryGetURI: base,
		WaitGetURI:        base + "/wait",
		TerminatePostURI:  base + "/terminate",
		HistoryGetURI:     base + "/history",
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
