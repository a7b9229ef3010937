package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the server configuration. It is read from an optional JSON
// file, then overridden by environment variables and command-line flags.
type Config struct {
	Addr       string `json:"addr"`
	Root       string `json:"root"` // data root; account roots live below it
	Welcome    string `json:"welcome,omitempty"`
	PublicHost string `json:"publicHost,omitempty"`

	PassivePortMin int `json:"passivePortMin,omitempty"`
	PassivePortMax int `json:"passivePortMax,omitempty"`

	MaxConnections      int      `json:"maxConnections,omitempty"`
	MaxConnectionsPerIP int      `json:"maxConnectionsPerIP,omitempty"`
	MaxUploads          int      `json:"maxUploads"` // 0 means unlimited
	IdleTimeout         Duration `json:"idleTimeout"`
	DataTimeout         Duration `json:"dataTimeout"`

	// BandwidthGlobal and BandwidthPerUser are bytes per second.
	BandwidthGlobal  int64 `json:"bandwidthGlobal,omitempty"`
	BandwidthPerUser int64 `json:"bandwidthPerUser,omitempty"`

	// SignupDir enables UADD; new accounts are created below Root/SignupDir.
	SignupDir string `json:"signupDir,omitempty"`

	// AnonymousDir enables read-only anonymous logins at Root/AnonymousDir.
	AnonymousDir string `json:"anonymousDir,omitempty"`

	DisableCommands []string `json:"disableCommands,omitempty"`
	TransferLog     string   `json:"transferLog,omitempty"`
	RedactIPs       bool     `json:"redactIPs,omitempty"`

	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`

	// AdminAddr serves /healthz, /metrics and the admin API. Empty
	// disables it.
	AdminAddr string `json:"adminAddr,omitempty"`

	Users map[string]UserConfig `json:"users,omitempty"`
	Vault VaultConfig           `json:"vault"`
}

// UserConfig is one statically configured account.
type UserConfig struct {
	Bcrypt   string `json:"bcrypt"`
	Root     string `json:"root,omitempty"` // below Config.Root; default is the username
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// VaultConfig selects the Vault credential store when Addr is set.
type VaultConfig struct {
	Addr        string   `json:"addr,omitempty"`
	Token       string   `json:"token,omitempty"`
	UsersPrefix string   `json:"usersPrefix,omitempty"`
	CacheTTL    Duration `json:"cacheTTL"`
}

// Duration is a time.Duration written as "30s" or "5m" in JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func defaultConfig() Config {
	return Config{
		Addr:       ":2121",
		MaxUploads: 1,
		LogLevel:   "info",
		LogFormat:  "text",
		Vault: VaultConfig{
			UsersPrefix: "kv/fineftp/users",
			CacheTTL:    Duration{30 * time.Second},
		},
	}
}

// loadConfig reads path (if not empty) over the defaults and applies the
// environment.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("FTP_ADDR", &cfg.Addr)
	str("FTP_ROOT", &cfg.Root)
	str("FTP_LOG_LEVEL", &cfg.LogLevel)
	str("FTP_LOG_FORMAT", &cfg.LogFormat)
	str("FTP_ADMIN_ADDR", &cfg.AdminAddr)
	str("VAULT_ADDR", &cfg.Vault.Addr)
	str("VAULT_TOKEN", &cfg.Vault.Token)
	str("FTP_VAULT_USERS_PREFIX", &cfg.Vault.UsersPrefix)

	if v := strings.TrimSpace(getenv("FTP_MAX_UPLOADS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FTP_MAX_UPLOADS: %w", err)
		}
		cfg.MaxUploads = n
	}
	if v := strings.TrimSpace(getenv("FTP_IDLE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FTP_IDLE_TIMEOUT: %w", err)
		}
		cfg.IdleTimeout = Duration{d}
	}
	return nil
}

// flagValues holds the command-line flags. Only flags the user actually
// set override the file and environment.
type flagValues struct {
	config     string
	addr       string
	root       string
	adminAddr  string
	logLevel   string
	logFormat  string
	publicHost string
	maxUploads int
	signupDir  string
	anonDir    string
}

func parseFlags(args []string, stderr io.Writer) (*flagValues, map[string]bool, error) {
	fs := flag.NewFlagSet("ftpserver", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fv := &flagValues{}
	fs.StringVar(&fv.config, "config", "", "path to a JSON config file")
	fs.StringVar(&fv.addr, "addr", "", "FTP listen address (default :2121)")
	fs.StringVar(&fv.root, "root", "", "data root directory")
	fs.StringVar(&fv.adminAddr, "admin-addr", "", "admin/metrics listen address")
	fs.StringVar(&fv.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&fv.logFormat, "log-format", "", "text or json")
	fs.StringVar(&fv.publicHost, "public-host", "", "address advertised in PASV replies")
	fs.IntVar(&fv.maxUploads, "max-uploads", 1, "concurrent uploads allowed server-wide (0 = unlimited)")
	fs.StringVar(&fv.signupDir, "signup-dir", "", "enable UADD sign-up below this subdirectory of the root")
	fs.StringVar(&fv.anonDir, "anonymous-dir", "", "enable read-only anonymous access to this subdirectory of the root")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return fv, set, nil
}

func (fv *flagValues) apply(cfg *Config, set map[string]bool) {
	if set["addr"] {
		cfg.Addr = fv.addr
	}
	if set["root"] {
		cfg.Root = fv.root
	}
	if set["admin-addr"] {
		cfg.AdminAddr = fv.adminAddr
	}
	if set["log-level"] {
		cfg.LogLevel = fv.logLevel
	}
	if set["log-format"] {
		cfg.LogFormat = fv.logFormat
	}
	if set["public-host"] {
		cfg.PublicHost = fv.publicHost
	}
	if set["max-uploads"] {
		cfg.MaxUploads = fv.maxUploads
	}
	if set["signup-dir"] {
		cfg.SignupDir = fv.signupDir
	}
	if set["anonymous-dir"] {
		cfg.AnonymousDir = fv.anonDir
	}
}

// validate checks the configuration and makes Root absolute.
func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.Root) == "" {
		return errors.New("config: root is required (-root, FTP_ROOT or \"root\")")
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	cfg.Root = abs
	if cfg.MaxUploads < 0 {
		return errors.New("config: maxUploads must not be negative")
	}
	if cfg.Vault.Addr != "" && cfg.Vault.Token == "" {
		return errors.New("config: vault token is required when vault addr is set")
	}
	if cfg.Vault.Addr != "" && len(cfg.Users) > 0 {
		return errors.New("config: static users and vault are mutually exclusive")
	}
	for _, sub := range []string{cfg.SignupDir, cfg.AnonymousDir} {
		if !isSubdir(sub) {
			return fmt.Errorf("config: %q must be a relative path below the root", sub)
		}
	}
	for name, u := range cfg.Users {
		if !isSubdir(u.Root) {
			return fmt.Errorf("config: user %s: root %q must be a relative path below the root", name, u.Root)
		}
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("config: unknown log format %q", cfg.LogFormat)
	}
	return nil
}

func isSubdir(p string) bool {
	if p == "" {
		return true
	}
	if filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
	return level, nil
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
