package server

import (
	"bufio"
	"bytes"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewServer_RequiresStore(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(":0"); err == nil {
		t.Error("Expected error when no credential store is given")
	}
}

func TestWithCredentialStore_Once(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	if _, err := NewServer(":0", WithCredentialStore(store), WithCredentialStore(store)); err == nil {
		t.Error("Expected error when the store is set twice")
	}
}

func TestNewServer_Defaults(t *testing.T) {
	t.Parallel()
	s, err := NewServer(":0", WithCredentialStore(NewMemoryStore()))
	fatalIfErr(t, err, "NewServer")

	if s.welcomeMessage != "Welcome to fineFTP Server" {
		t.Errorf("welcomeMessage = %q", s.welcomeMessage)
	}
	if s.maxIdleTime != 5*time.Minute {
		t.Errorf("maxIdleTime = %v, want 5m", s.maxIdleTime)
	}
	if s.dataTimeout != 10*time.Second {
		t.Errorf("dataTimeout = %v, want 10s", s.dataTimeout)
	}
	if s.uploads == nil || s.maxUploads != 1 {
		t.Errorf("upload gate not sized 1 (maxUploads=%d)", s.maxUploads)
	}
	if s.signupRoot != "" {
		t.Error("sign-up should be disabled by default")
	}
	if s.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
}

func TestWithLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s, err := NewServer(":0", WithCredentialStore(NewMemoryStore()), WithLogger(logger))
	fatalIfErr(t, err, "NewServer")
	if s.logger != logger {
		t.Error("Expected custom logger")
	}
}

func TestOptionValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opt  Option
	}{
		{"negative total", WithMaxConnections(-1, 0)},
		{"negative per IP", WithMaxConnections(0, -1)},
		{"negative uploads", WithMaxConcurrentUploads(-1)},
		{"zero data timeout", WithDataTimeout(0)},
		{"inverted port range", WithPassivePortRange(3000, 2000)},
		{"port range too high", WithPassivePortRange(65000, 70000)},
		{"empty listing owner", WithListingOwner("", "ftp")},
		{"listing owner with space", WithListingOwner("a b", "ftp")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServer(":0", WithCredentialStore(NewMemoryStore()), tt.opt); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestOptionsApplied(t *testing.T) {
	t.Parallel()
	signup := filepath.Join(t.TempDir(), "nested", "users")
	var xfer bytes.Buffer

	s, err := NewServer(":0",
		WithCredentialStore(NewMemoryStore()),
		WithWelcomeMessage("hi"),
		WithMaxIdleTime(time.Minute),
		WithDataTimeout(time.Second),
		WithMaxConnections(10, 2),
		WithMaxConcurrentUploads(0),
		WithPassivePortRange(40000, 40010),
		WithPublicHost("ftp.example.com"),
		WithSignupRoot(signup),
		WithBandwidthLimit(1<<20, 1<<16),
		WithRedactIPs(true),
		WithPathRedactor(func(p string) string { return p }),
		WithTransferLog(&xfer),
		WithDisableCommands("mkd", "NOTI"),
		WithListingOwner("alice", "staff"),
	)
	fatalIfErr(t, err, "NewServer")

	if s.welcomeMessage != "hi" || s.maxIdleTime != time.Minute || s.dataTimeout != time.Second {
		t.Error("timeouts or greeting not applied")
	}
	if s.maxConnections != 10 || s.maxConnectionsPerIP != 2 {
		t.Error("connection limits not applied")
	}
	if s.uploads != nil {
		t.Error("upload gate should be disabled")
	}
	if s.passive.minPort != 40000 || s.passive.maxPort != 40010 {
		t.Error("port range not applied")
	}
	if s.publicHost != "ftp.example.com" {
		t.Error("public host not applied")
	}
	if info, err := os.Stat(signup); err != nil || !info.IsDir() {
		t.Errorf("sign-up root not created: %v", err)
	}
	if s.globalLimiter.Rate() != 1<<20 || s.bandwidthLimitPerUser != 1<<16 {
		t.Error("bandwidth limits not applied")
	}
	if !s.redactIPs || s.pathRedactor == nil || s.transferLog == nil {
		t.Error("privacy options not applied")
	}
	if !s.disabledCommands["MKD"] || !s.disabledCommands["NOTI"] {
		t.Errorf("disabled commands = %v", s.disabledCommands)
	}
	if s.listingOwner.owner != "alice" || s.listingOwner.group != "staff" {
		t.Error("listing owner not applied")
	}
}

func TestWithWelcomeMessage(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	_, addr := startServer(t, store, WithWelcomeMessage("Custom Welcome"))

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	fatalIfErr(t, err, "dial")
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	code, msg, err := textproto.NewReader(bufio.NewReader(conn)).ReadResponse(220)
	fatalIfErr(t, err, "read greeting")
	if code != 220 || msg != "Custom Welcome" {
		t.Errorf("greeting = %d %q, want 220 \"Custom Welcome\"", code, msg)
	}
}

func TestTransferLog(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	xfer := newSyncBuffer()
	_, addr := startServer(t, store, WithTransferLog(xfer))

	c := dialCtrl(t, addr)
	c.login("alice", "secret")
	c.store("x.txt", []byte("12345"))
	_ = c.retrieve("x.txt")
	_ = c.list("NLST", "")

	waitFor(t, "xferlog lines", func() bool {
		return strings.Count(xfer.String(), "\n") >= 2
	})

	lines := strings.Split(strings.TrimSpace(xfer.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("xferlog has %d lines, want 2 (listings are not logged): %q", len(lines), xfer.String())
	}
	for i, dir := range []string{"i", "o"} {
		fields := strings.Fields(lines[i])
		// 5 date fields, then transfer-time remote-host file-size filename
		// transfer-type special-action direction access-mode username
		// service auth-method auth-user status.
		if len(fields) != 18 {
			t.Fatalf("line %q has %d fields", lines[i], len(fields))
		}
		if fields[7] != "5" || fields[8] != "/x.txt" || fields[9] != "b" || fields[11] != dir || fields[13] != "alice" || fields[17] != "c" {
			t.Errorf("unexpected xferlog line %q", lines[i])
		}
	}
}
