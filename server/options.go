package server

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fineftp/ftp/internal/ratelimit"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithCredentialStore sets the store used to authenticate users.
// This option is required and can only be set once.
//
// Example:
//
//	store := server.NewMemoryStore()
//	_ = store.AddUser("alice", "secret", "/srv/ftp/alice")
//	s, _ := server.NewServer(":21", server.WithCredentialStore(store))
func WithCredentialStore(store CredentialStore) Option {
	return func(s *Server) error {
		if s.store != nil {
			return fmt.Errorf("credential store already set")
		}
		s.store = store
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":21",
//	    server.WithCredentialStore(store),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithWelcomeMessage sets the text of the 220 greeting.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithMaxIdleTime sets how long a control connection may stay silent
// before the session is closed. Defaults to 5 minutes; 0 disables it.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithDataTimeout sets how long a transfer waits for the client to connect
// to the passive endpoint. Defaults to 10 seconds.
func WithDataTimeout(duration time.Duration) Option {
	return func(s *Server) error {
		if duration <= 0 {
			return fmt.Errorf("data timeout must be positive")
		}
		s.dataTimeout = duration
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous control
// connections, in total and per client IP. Zero means no limit.
//
// Rejected connections receive a 421 reply.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithCredentialStore(store),
//	    server.WithMaxConnections(100, 10), // Max 100 total, 10 per IP
//	)
func WithMaxConnections(maxTotal, maxPerIP int) Option {
	return func(s *Server) error {
		if maxTotal < 0 || maxPerIP < 0 {
			return fmt.Errorf("connection limits must not be negative")
		}
		s.maxConnections = maxTotal
		s.maxConnectionsPerIP = maxPerIP
		return nil
	}
}

// WithMaxConcurrentUploads sets how many STOR/APPE transfers may run at
// once across all sessions. The default is 1. Zero lifts the limit.
// An upload that finds the gate full is refused with 450 instead of
// waiting.
func WithMaxConcurrentUploads(n int) Option {
	return func(s *Server) error {
		if n < 0 {
			return fmt.Errorf("upload limit must not be negative")
		}
		s.maxUploads = n
		return nil
	}
}

// WithPassivePortRange restricts passive endpoints to [minPort, maxPort].
func WithPassivePortRange(minPort, maxPort int) Option {
	return func(s *Server) error {
		if minPort <= 0 || maxPort < minPort || maxPort > 65535 {
			return fmt.Errorf("invalid passive port range [%d, %d]", minPort, maxPort)
		}
		s.passive.minPort = minPort
		s.passive.maxPort = maxPort
		return nil
	}
}

// WithPublicHost sets the IPv4 address advertised in 227 replies, for
// servers behind NAT. By default the control connection's local address
// is used.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithSignupRoot enables UADD. Accounts created through it are rooted at
// dir/<username>. The directory is created if needed.
func WithSignupRoot(dir string) Option {
	return func(s *Server) error {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return fmt.Errorf("signup root: %w", err)
		}
		s.signupRoot = abs
		return nil
	}
}

// WithBandwidthLimit limits transfer throughput in bytes per second.
// global is shared by all transfers; perUser applies to each transfer
// separately. Zero disables a limit.
func WithBandwidthLimit(global, perUser int64) Option {
	return func(s *Server) error {
		s.globalLimiter = ratelimit.New(global)
		s.bandwidthLimitPerUser = perUser
		return nil
	}
}

// WithMetricsCollector sets a collector for server metrics.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithPathRedactor sets a function applied to paths before logging.
func WithPathRedactor(redactor PathRedactor) Option {
	return func(s *Server) error {
		s.pathRedactor = redactor
		return nil
	}
}

// WithRedactIPs masks the last part of client IP addresses in logs.
func WithRedactIPs(redact bool) Option {
	return func(s *Server) error {
		s.redactIPs = redact
		return nil
	}
}

// WithTransferLog writes one xferlog-style line per completed transfer.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithDisableCommands makes the server answer the given verbs with 502.
// It may be given several times; see the predefined command groups.
func WithDisableCommands(cmds ...string) Option {
	return func(s *Server) error {
		for _, c := range cmds {
			s.disabledCommands[strings.ToUpper(c)] = true
		}
		return nil
	}
}

// WithListingOwner sets the owner and group shown in LIST output.
// Defaults to "ftp" and "ftp".
func WithListingOwner(owner, group string) Option {
	return func(s *Server) error {
		if owner == "" || group == "" || strings.ContainsAny(owner+group, " \t\r\n") {
			return fmt.Errorf("invalid listing owner %q/%q", owner, group)
		}
		s.listingOwner = listingOwner{owner: owner, group: group}
		return nil
	}
}
