// Command ftpserver runs the fineFTP server.
//
//	ftpserver -root /srv/ftp -signup-dir signup -anonymous-dir pub
//	ftpserver -config /etc/fineftp.json
//	ftpserver passwd -p secret
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/fineftp/ftp/internal/admin"
	"github.com/fineftp/ftp/server"
	"github.com/fineftp/ftp/server/prommetrics"
	"github.com/fineftp/ftp/server/vaultstore"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		os.Exit(passwdCmd(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "ftpserver:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) error {
	fv, set, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(fv.config, getenv)
	if err != nil {
		return err
	}
	fv.apply(&cfg, set)
	if err := cfg.validate(); err != nil {
		return err
	}

	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	store, err := newCredentialStore(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.New(reg, "ftp")

	opts, closeFn, err := serverOptions(cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	opts = append(opts, server.WithMetricsCollector(metrics))

	srv, err := server.NewServer(cfg.Addr, opts...)
	if err != nil {
		return err
	}
	metrics.TrackConnections(srv.ActiveConnections)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, server.ErrServerClosed) {
			errCh <- fmt.Errorf("ftp server: %w", err)
		}
	}()

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.NewServer(cfg.AdminAddr, admin.NewHandler(admin.Config{
			Sessions: srv,
			Store:    store,
			DataRoot: cfg.Root,
			Gatherer: reg,
			Logger:   logger,
		}))
		go func() {
			logger.Info("admin_server_listening", "addr", cfg.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_requested")
	case runErr = <-errCh:
		logger.Error("server_failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("ftp shutdown: %w", err))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// newCredentialStore returns the Vault store when configured and the
// in-memory store otherwise.
func newCredentialStore(cfg Config) (server.CredentialStore, error) {
	if cfg.Vault.Addr != "" {
		client, err := vaultstore.NewClient(cfg.Vault.Addr, cfg.Vault.Token)
		if err != nil {
			return nil, fmt.Errorf("vault client: %w", err)
		}
		return vaultstore.New(vaultstore.Config{
			Client:          client,
			UsersPrefix:     cfg.Vault.UsersPrefix,
			DataRoot:        cfg.Root,
			CacheTTL:        cfg.Vault.CacheTTL.Duration,
			AnonymousSubdir: cfg.AnonymousDir,
		})
	}

	store := server.NewMemoryStore()
	for name, u := range cfg.Users {
		sub := u.Root
		if sub == "" {
			sub = name
		}
		if err := store.AddUserHash(name, u.Bcrypt, filepath.Join(cfg.Root, sub), u.ReadOnly); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if cfg.AnonymousDir != "" {
		store.SetAnonymous(filepath.Join(cfg.Root, cfg.AnonymousDir), true)
	}
	return store, nil
}

// serverOptions translates cfg into server options. The returned function
// closes the transfer log, if any.
func serverOptions(cfg Config, store server.CredentialStore, logger *slog.Logger) ([]server.Option, func(), error) {
	opts := []server.Option{
		server.WithCredentialStore(store),
		server.WithLogger(logger),
		server.WithMaxConcurrentUploads(cfg.MaxUploads),
		server.WithRedactIPs(cfg.RedactIPs),
	}
	if cfg.Welcome != "" {
		opts = append(opts, server.WithWelcomeMessage(cfg.Welcome))
	}
	if cfg.PublicHost != "" {
		opts = append(opts, server.WithPublicHost(cfg.PublicHost))
	}
	if cfg.PassivePortMin > 0 || cfg.PassivePortMax > 0 {
		opts = append(opts, server.WithPassivePortRange(cfg.PassivePortMin, cfg.PassivePortMax))
	}
	if cfg.MaxConnections > 0 || cfg.MaxConnectionsPerIP > 0 {
		opts = append(opts, server.WithMaxConnections(cfg.MaxConnections, cfg.MaxConnectionsPerIP))
	}
	if cfg.IdleTimeout.Duration > 0 {
		opts = append(opts, server.WithMaxIdleTime(cfg.IdleTimeout.Duration))
	}
	if cfg.DataTimeout.Duration > 0 {
		opts = append(opts, server.WithDataTimeout(cfg.DataTimeout.Duration))
	}
	if cfg.BandwidthGlobal > 0 || cfg.BandwidthPerUser > 0 {
		opts = append(opts, server.WithBandwidthLimit(cfg.BandwidthGlobal, cfg.BandwidthPerUser))
	}
	if cfg.SignupDir != "" {
		opts = append(opts, server.WithSignupRoot(filepath.Join(cfg.Root, cfg.SignupDir)))
	}
	if len(cfg.DisableCommands) > 0 {
		opts = append(opts, server.WithDisableCommands(cfg.DisableCommands...))
	}

	closeFn := func() {}
	if cfg.TransferLog != "" {
		f, err := os.OpenFile(cfg.TransferLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open transfer log: %w", err)
		}
		opts = append(opts, server.WithTransferLog(f))
		closeFn = func() { f.Close() }
	}
	return opts, closeFn, nil
}

// passwdCmd prints a bcrypt hash for use in the "users" section of the
// config file. Without -p the password is read from the terminal.
func passwdCmd(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("passwd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	password := fs.String("p", "", "password (prompted for when omitted)")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		return 2
	}

	pw := *password
	if pw == "" {
		fd := int(stdin.Fd())
		if !term.IsTerminal(fd) {
			fmt.Fprintln(stderr, "usage: ftpserver passwd -p <password>")
			return 2
		}
		fmt.Fprint(stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(stderr)
		if err != nil {
			fmt.Fprintln(stderr, "read password:", err)
			return 1
		}
		pw = strings.TrimSpace(string(b))
	}
	if pw == "" {
		fmt.Fprintln(stderr, "empty password")
		return 2
	}

	h, err := bcrypt.GenerateFromPassword([]byte(pw), *cost)
	if err != nil {
		fmt.Fprintln(stderr, "bcrypt:", err)
		return 1
	}
	fmt.Fprintln(stdout, string(h))
	return 0
}
