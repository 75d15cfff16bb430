// Package adminapi exposes snapshot operations over HTTP to administrators.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/japinder12/snapvault/pkg/envelope"
	"github.com/japinder12/snapvault/pkg/lock"
	"github.com/japinder12/snapvault/pkg/snapshot"
)

// Snapshots is the subset of snapshot.Service served here.
type Snapshots interface {
	CreateSnapshot(ctx context.Context, description string) (snapshot.Metadata, error)
	ListSnapshots(ctx context.Context) ([]snapshot.Metadata, error)
	Restore(ctx context.Context, id string, opts snapshot.RestoreOptions) (snapshot.RestoreResult, error)
	DeleteSnapshot(ctx context.Context, id string) (bool, error)
	Download(ctx context.Context, id string, plain bool) (snapshot.Download, error)
}

// Authorizer decides whether a request comes from an administrator.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// ErrUnauthorized is returned by authorizers for rejected requests.
const ErrUnauthorized = errors.ConstError("unauthorized")

// TokenAuthorizer accepts a bearer token matching a stored hash.
type TokenAuthorizer struct {
	Hash string
	Salt string
}

func (a TokenAuthorizer) Authorize(r *http.Request) error {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || a.Hash == "" {
		return ErrUnauthorized
	}
	if !envelope.VerifyHash(token, a.Hash, a.Salt) {
		return ErrUnauthorized
	}
	return nil
}

// Config wires a handler.
type Config struct {
	Snapshots Snapshots
	Auth      Authorizer
	// Lock serializes creates and restores. Defaults to lock.Nop.
	Lock    lock.Locker
	Logger  *zap.Logger
	Metrics http.Handler
}

type handler struct {
	snapshots Snapshots
	auth      Authorizer
	lock      lock.Locker
	logger    *zap.Logger
}

// NewHandler returns the routed admin API.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Snapshots == nil {
		return nil, errors.NotValidf("nil Snapshots")
	}
	if cfg.Auth == nil {
		return nil, errors.NotValidf("nil Auth")
	}
	h := &handler{
		snapshots: cfg.Snapshots,
		auth:      cfg.Auth,
		lock:      cfg.Lock,
		logger:    cfg.Logger,
	}
	if h.lock == nil {
		h.lock = lock.Nop{}
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/admin/backups").Subrouter()
	api.Use(h.requireAdmin)
	api.HandleFunc("", h.list).Methods(http.MethodGet)
	api.HandleFunc("", h.create).Methods(http.MethodPost)
	api.HandleFunc("/{id}", h.action).Methods(http.MethodPost)
	api.HandleFunc("/{id}/download", h.download).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r, nil
}

func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.auth.Authorize(r); err != nil {
			h.logger.Warn("rejected admin request", zap.String("path", r.URL.Path), zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

type listResponse struct {
	Backups []snapshot.Metadata `json:"backups"`
	Stats   snapshot.Stats      `json:"stats"`
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.snapshots.ListSnapshots(r.Context())
	if err != nil {
		h.fail(w, "Failed to fetch backups", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Backups: snaps, Stats: snapshot.Aggregate(snaps)})
}

type createRequest struct {
	Description string `json:"description"`
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	// An empty body means no description.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body"})
		return
	}
	release, err := h.lock.Acquire(r.Context())
	if err != nil {
		h.fail(w, "Failed to create backup", err)
		return
	}
	defer release()

	meta, err := h.snapshots.CreateSnapshot(r.Context(), req.Description)
	if err != nil {
		h.fail(w, "Failed to create backup", err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type actionRequest struct {
	Action  string          `json:"action"`
	Options json.RawMessage `json:"options"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *handler) action(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body"})
		return
	}
	switch req.Action {
	case "restore":
		opts := snapshot.DefaultRestoreOptions()
		if len(req.Options) > 0 {
			if err := json.Unmarshal(req.Options, &opts); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid restore options"})
				return
			}
		}
		h.restore(w, r, id, opts)
	case "delete":
		if _, err := h.snapshots.DeleteSnapshot(r.Context(), id); err != nil {
			writeJSON(w, statusFor(err), actionResponse{Message: "Failed to delete backup"})
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "Backup deleted successfully"})
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid action"})
	}
}

func (h *handler) restore(w http.ResponseWriter, r *http.Request, id string, opts snapshot.RestoreOptions) {
	if !opts.DryRun {
		release, err := h.lock.Acquire(r.Context())
		if err != nil {
			h.fail(w, "Failed to perform backup operation", err)
			return
		}
		defer release()
	}
	result, err := h.snapshots.Restore(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("restore failed", zap.String("snapshot", id), zap.Error(err))
		writeJSON(w, statusFor(err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	plain := r.URL.Query().Get("plain") == "true"
	d, err := h.snapshots.Download(r.Context(), id, plain)
	if err != nil {
		if errors.Is(err, errors.NotFound) || errors.Is(err, errors.NotValid) {
			writeJSON(w, statusFor(err), errorBody{Error: "Backup not found"})
			return
		}
		h.fail(w, "Failed to download backup", err)
		return
	}
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Body)
}

func (h *handler) fail(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	writeJSON(w, statusFor(err), errorBody{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, snapshot.ErrSnapshotNotFound), errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, snapshot.ErrIntegrityCheckFailed), errors.Is(err, snapshot.ErrDecryptionFailed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
