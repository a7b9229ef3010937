// Package vaultstore provides a server.CredentialStore backed by a
// HashiCorp Vault KV version 2 secrets engine.
//
// Each user is one secret at <mount>/data/<path>/<username>:
//
//	{
//	  "username":     "alice",
//	  "passwordHash": "$2a$10$...",
//	  "rootSubdir":   "alice",
//	  "readOnly":     false,
//	  "disabled":     false,
//	  "updatedAt":    "2026-10-16T08:00:00Z"
//	}
//
// The account root is rootSubdir joined to the store's data root.
package vaultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"golang.org/x/crypto/bcrypt"

	"github.com/fineftp/ftp/server"
)

// DefaultUsersPrefix is used when Config.UsersPrefix is empty.
const DefaultUsersPrefix = "kv/fineftp/users"

// Config configures a Store.
type Config struct {
	// Client is an authenticated Vault client.
	Client *vault.Client

	// UsersPrefix is the KV v2 location of the user records, for example
	// "kv/fineftp/users" for a KV v2 engine mounted at "kv".
	UsersPrefix string

	// DataRoot is the local directory that holds every account root.
	DataRoot string

	// CacheTTL is how long a user record is reused before it is read
	// again. Zero disables caching.
	CacheTTL time.Duration

	// AnonymousSubdir enables read-only anonymous logins rooted at this
	// subdirectory of DataRoot. Empty disables anonymous access.
	AnonymousSubdir string

	// HashCost is the bcrypt cost for new accounts; zero means
	// bcrypt.DefaultCost.
	HashCost int
}

type userRecord struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	RootSubdir   string `json:"rootSubdir"`
	ReadOnly     bool   `json:"readOnly"`
	Disabled     bool   `json:"disabled"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

type cachedUser struct {
	rec     userRecord
	expires time.Time
}

// Store is a server.CredentialStore reading users from Vault.
type Store struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]cachedUser
}

var _ server.CredentialStore = (*Store)(nil)

var errNotFound = errors.New("vaultstore: user not found")

// NewClient returns a Vault client for addr authenticated with token.
func NewClient(addr, token string) (*vault.Client, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = addr
	c, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, err
	}
	c.SetToken(token)
	return c, nil
}

// New returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("vaultstore: client is required")
	}
	if cfg.DataRoot == "" {
		return nil, errors.New("vaultstore: data root is required")
	}
	if cfg.UsersPrefix == "" {
		cfg.UsersPrefix = DefaultUsersPrefix
	}
	if !strings.Contains(strings.Trim(cfg.UsersPrefix, "/"), "/") {
		return nil, fmt.Errorf("vaultstore: users prefix %q has no path below the mount", cfg.UsersPrefix)
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	return &Store{cfg: cfg, cache: make(map[string]cachedUser)}, nil
}

// Lookup implements server.CredentialStore.
func (s *Store) Lookup(ctx context.Context, username, password string) (*server.Account, error) {
	if server.IsAnonymous(username) {
		if s.cfg.AnonymousSubdir == "" {
			return nil, server.ErrInvalidCredentials
		}
		return &server.Account{
			Username: "anonymous",
			Root:     filepath.Join(s.cfg.DataRoot, s.cfg.AnonymousSubdir),
			ReadOnly: true,
		}, nil
	}
	if !server.ValidUsername(username) {
		return nil, server.ErrInvalidCredentials
	}

	rec, err := s.getOrLoad(ctx, username)
	if errors.Is(err, errNotFound) {
		return nil, server.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if rec.Disabled {
		return nil, server.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return nil, server.ErrInvalidCredentials
	}
	return s.account(rec)
}

// Create implements server.CredentialStore. root must lie inside the
// data root. The write uses check-and-set, so of two concurrent sign-ups
// for one name exactly one succeeds.
func (s *Store) Create(ctx context.Context, username, password, root string) (*server.Account, error) {
	if !server.ValidUsername(username) {
		return nil, fmt.Errorf("vaultstore: invalid username %q", username)
	}
	sub, err := filepath.Rel(s.cfg.DataRoot, root)
	if err != nil || sub == ".." || strings.HasPrefix(sub, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("vaultstore: root %q is outside the data root", root)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.HashCost)
	if err != nil {
		return nil, err
	}
	rec := userRecord{
		Username:     username,
		PasswordHash: string(hash),
		RootSubdir:   filepath.ToSlash(sub),
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	payload := map[string]any{
		"options": map[string]any{"cas": 0},
		"data":    rec,
	}
	_, err = s.cfg.Client.Logical().WriteWithContext(ctx, s.dataPath(username), payload)
	var respErr *vault.ResponseError
	switch {
	case errors.As(err, &respErr) && respErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.Join(respErr.Errors, " "), "check-and-set"):
		return nil, server.ErrAccountExists
	case err != nil:
		return nil, fmt.Errorf("vaultstore: write %s: %w", username, err)
	}

	s.mu.Lock()
	delete(s.cache, username)
	s.mu.Unlock()
	return s.account(rec)
}

func (s *Store) account(rec userRecord) (*server.Account, error) {
	sub := filepath.FromSlash(strings.TrimSpace(rec.RootSubdir))
	if sub == "" {
		sub = rec.Username
	}
	if filepath.IsAbs(sub) || sub == ".." || strings.HasPrefix(sub, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("vaultstore: invalid rootSubdir %q for %s", rec.RootSubdir, rec.Username)
	}
	return &server.Account{
		Username: rec.Username,
		Root:     filepath.Join(s.cfg.DataRoot, sub),
		ReadOnly: rec.ReadOnly,
	}, nil
}

// getOrLoad returns the cached record for username or reads it from
// Vault. The Vault call happens outside the cache lock.
func (s *Store) getOrLoad(ctx context.Context, username string) (userRecord, error) {
	now := time.Now()
	if s.cfg.CacheTTL > 0 {
		s.mu.Lock()
		cu, ok := s.cache[username]
		s.mu.Unlock()
		if ok && now.Before(cu.expires) {
			return cu.rec, nil
		}
	}

	rec, err := s.load(ctx, username)
	if err != nil {
		return userRecord{}, err
	}

	if s.cfg.CacheTTL > 0 {
		s.mu.Lock()
		s.cache[username] = cachedUser{rec: rec, expires: now.Add(s.cfg.CacheTTL)}
		s.mu.Unlock()
	}
	return rec, nil
}

func (s *Store) load(ctx context.Context, username string) (userRecord, error) {
	sec, err := s.cfg.Client.Logical().ReadWithContext(ctx, s.dataPath(username))
	if err != nil {
		return userRecord{}, fmt.Errorf("vaultstore: read %s: %w", username, err)
	}
	if sec == nil || sec.Data == nil {
		return userRecord{}, errNotFound
	}
	// KV v2 wraps the fields under "data"; it is nil for deleted versions.
	raw, ok := sec.Data["data"]
	if !ok || raw == nil {
		return userRecord{}, errNotFound
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return userRecord{}, err
	}
	var rec userRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return userRecord{}, fmt.Errorf("vaultstore: decode %s: %w", username, err)
	}
	rec.Username = username
	return rec, nil
}

// dataPath maps "kv/fineftp/users" and a username to
// "kv/data/fineftp/users/<username>".
func (s *Store) dataPath(username string) string {
	p := strings.Trim(s.cfg.UsersPrefix, "/")
	if strings.Contains(p, "/data/") {
		return p + "/" + username
	}
	mount, rest, _ := strings.Cut(p, "/")
	return mount + "/data/" + rest + "/" + username
}
