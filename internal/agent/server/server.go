// Package server exposes the agent's control-plane HTTP surface: lifecycle
// operations on the single instance plus SSH key management inside it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridmachina/hostagent/common/trace"
	"github.com/gridmachina/hostagent/common/version"
	"github.com/gridmachina/hostagent/internal/agent/instance"
	"github.com/gridmachina/hostagent/internal/agent/netport"
	"github.com/gridmachina/hostagent/internal/agent/runtime"
	"github.com/gridmachina/hostagent/internal/agent/state"
	"github.com/gridmachina/hostagent/internal/agent/tasks"
)

const maxBodyBytes = 1 << 20

// Lifecycle is the slice of the instance controller the server drives.
type Lifecycle interface {
	Create(ctx context.Context, spec instance.CreateSpec, preallocated map[string]string) (state.Record, error)
	Manage(ctx context.Context, action instance.Action) error
	Delete(ctx context.Context) error
	Logs(ctx context.Context, tail int) (string, error)
	State(ctx context.Context) (state.Record, error)
	ContainerID(ctx context.Context) (string, error)
	ResolvePorts(spec instance.CreateSpec) (map[string]string, error)
}

// KeyManager manages SSH keys inside a container.
type KeyManager interface {
	AddKey(ctx context.Context, containerID, publicKey string) error
	RemoveKey(ctx context.Context, containerID, publicKey string) error
	ListKeys(ctx context.Context, containerID string) ([]string, error)
}

// Server is the control-plane HTTP listener. Creation is asynchronous: the
// POST handler allocates ports, replies 202, and hands the actual create to
// the task group so an image pull never holds a request open.
type Server struct {
	lifecycle Lifecycle
	keys      KeyManager
	tasks     *tasks.Group
	http      *http.Server
}

// New builds a server listening on addr.
func New(addr string, lifecycle Lifecycle, keys KeyManager, group *tasks.Group) *Server {
	s := &Server{lifecycle: lifecycle, keys: keys, tasks: group}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handlePing)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /instances", s.handleGetInstance)
	mux.HandleFunc("POST /instances", s.handleCreateInstance)
	mux.HandleFunc("PUT /instances", s.handleManageInstance)
	mux.HandleFunc("DELETE /instances", s.handleDeleteInstance)
	mux.HandleFunc("GET /ssh", s.handleListKeys)
	mux.HandleFunc("POST /ssh", s.handleAddKey)
	mux.HandleFunc("DELETE /ssh", s.handleRemoveKey)
	return withTrace(mux)
}

// Start begins serving in the background. The returned error covers only
// startup; runtime serve errors are logged.
func (s *Server) Start() error {
	slog.Info("control server listening", "addr", s.http.Addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// withTrace assigns every request an id, exposed in the response header and
// the request context.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = trace.GenerateID()
		}
		w.Header().Set("X-Request-ID", id)
		started := time.Now()
		next.ServeHTTP(w, r.WithContext(trace.WithID(r.Context(), id)))
		slog.Debug("request served", "method", r.Method, "path", r.URL.Path, "trace", id, "elapsed", time.Since(started))
	})
}

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Warn("request failed", "method", r.Method, "path", r.URL.Path,
		"trace", trace.FromContext(r.Context()), "error", err)
	writeJSON(w, statusFor(err), envelope{OK: false, Error: err.Error()})
}

// statusFor maps the lifecycle error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, instance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, instance.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, instance.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, netport.ErrExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, runtime.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeValidated reads the body, checks it against schema, then decodes it
// into out. Schema violations come back as ErrInvalidSpec.
func decodeValidated(r *http.Request, schema interface {
	Validate(v any) error
}, out any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", instance.ErrInvalidSpec, err)
	}
	var loose any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return fmt.Errorf("%w: malformed json: %v", instance.ErrInvalidSpec, err)
	}
	if err := schema.Validate(loose); err != nil {
		return fmt.Errorf("%w: %v", instance.ErrInvalidSpec, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", instance.ErrInvalidSpec, err)
	}
	return nil
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"version": version.Version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.State(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"version":  version.Info(),
		"instance": rec,
	})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.State(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	data := map[string]any{"instance": rec}
	if r.URL.Query().Get("logs") == "1" {
		// A failing log fetch must not hide the state the caller asked for;
		// the error rides along instead.
		logs, err := s.lifecycle.Logs(r.Context(), 100)
		if err != nil {
			slog.Warn("log fetch failed", "trace", trace.FromContext(r.Context()), "error", err)
			data["logs_error"] = err.Error()
		} else {
			data["logs"] = logs
		}
	}
	writeData(w, http.StatusOK, data)
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var spec instance.CreateSpec
	if err := decodeValidated(r, createSchema, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	if err := spec.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	// Ports are resolved up front so the 202 response can carry them; the
	// resolved map is then handed to the background create verbatim.
	ports, err := s.lifecycle.ResolvePorts(spec)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.tasks.Go("create-instance", func(ctx context.Context) {
		if _, err := s.lifecycle.Create(ctx, spec, ports); err != nil {
			slog.Error("background create failed", "image", spec.ImageRef(), "error", err)
		}
	})

	writeData(w, http.StatusAccepted, map[string]any{
		"status": state.StatusPending,
		"ports":  ports,
	})
}

func (s *Server) handleManageInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := decodeValidated(r, actionSchema, &body); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := instance.ParseAction(body.Action)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.lifecycle.Manage(r.Context(), action); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.lifecycle.State(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"instance": rec})
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Delete(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"status": state.StatusDestroyed})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	containerID, err := s.lifecycle.ContainerID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	keys, err := s.keys.ListKeys(r.Context(), containerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	s.mutateKey(w, r, s.keys.AddKey)
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	s.mutateKey(w, r, s.keys.RemoveKey)
}

func (s *Server) mutateKey(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, containerID, publicKey string) error) {
	var body struct {
		PublicKey string `json:"public_key"`
	}
	if err := decodeValidated(r, keySchema, &body); err != nil {
		writeError(w, r, err)
		return
	}
	containerID, err := s.lifecycle.ContainerID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := op(r.Context(), containerID, body.PublicKey); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}
