// Package admin serves the HTTP side channel of the FTP server: health,
// Prometheus metrics, the session roster and account provisioning.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fineftp/ftp/server"
)

// SessionLister is implemented by *server.Server.
type SessionLister interface {
	Sessions() []server.SessionInfo
}

// Config wires the handler to the running server.
type Config struct {
	Sessions SessionLister
	Store    server.CredentialStore

	// DataRoot is the directory new account roots are created under.
	// Empty disables POST /api/v1/users.
	DataRoot string

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

type apiError struct {
	OK    bool `json:"ok"`
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

type apiOK struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type newUser struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RootSubdir string `json:"rootSubdir"`
}

type api struct {
	cfg    Config
	logger *slog.Logger
}

// NewHandler returns the admin router.
func NewHandler(cfg Config) http.Handler {
	a := &api{cfg: cfg, logger: cfg.Logger}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", a.listSessions)
		r.Post("/users", a.createUser)
	})
	return r
}

// NewServer returns an http.Server for h with conservative timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (a *api) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := []server.SessionInfo{}
	if a.cfg.Sessions != nil {
		sessions = append(sessions, a.cfg.Sessions.Sessions()...)
	}
	writeJSON(w, http.StatusOK, apiOK{OK: true, Data: sessions})
}

func (a *api) createUser(w http.ResponseWriter, req *http.Request) {
	if a.cfg.Store == nil || a.cfg.DataRoot == "" {
		writeAPIError(w, http.StatusNotImplemented, "PROVISIONING_DISABLED", "account provisioning is not configured", nil)
		return
	}

	var u newUser
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	if err := normalizeUser(&u); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
		return
	}

	root := filepath.Join(a.cfg.DataRoot, filepath.FromSlash(u.RootSubdir))
	if err := os.MkdirAll(root, 0o755); err != nil {
		a.logger.Error("admin_create_root_failed", "user", u.Username, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "STORAGE_ERROR", "cannot create account root", nil)
		return
	}

	acct, err := a.cfg.Store.Create(req.Context(), u.Username, u.Password, root)
	switch {
	case errors.Is(err, server.ErrAccountExists):
		writeAPIError(w, http.StatusConflict, "USER_EXISTS", "username already exists",
			map[string]any{"username": u.Username})
		return
	case err != nil:
		a.logger.Error("admin_create_user_failed", "user", u.Username, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), nil)
		return
	}

	a.logger.Info("account_created", "user", acct.Username, "source", "admin_api")
	writeJSON(w, http.StatusCreated, apiOK{OK: true, Data: map[string]any{
		"username":   acct.Username,
		"rootSubdir": u.RootSubdir,
		"readOnly":   acct.ReadOnly,
	}})
}

func normalizeUser(u *newUser) error {
	u.Username = strings.TrimSpace(u.Username)
	u.RootSubdir = strings.Trim(strings.TrimSpace(u.RootSubdir), "/")

	if !server.ValidUsername(u.Username) || server.IsAnonymous(u.Username) {
		return errors.New("invalid username")
	}
	if u.Password == "" {
		return errors.New("password is required")
	}
	if u.RootSubdir == "" {
		u.RootSubdir = u.Username
	}
	if strings.Contains(u.RootSubdir, "\\") {
		return errors.New("invalid rootSubdir")
	}
	for _, part := range strings.Split(u.RootSubdir, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.New("invalid rootSubdir")
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	e := apiError{OK: false}
	e.Error.Code = code
	e.Error.Message = message
	e.Error.Details = details
	writeJSON(w, status, e)
}
