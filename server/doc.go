// Package server implements the fineFTP server: a multi-user FTP server
// that serves each account from its own directory.
//
// # Overview
//
// Each control connection runs a session that processes commands one at
// a time. File transfers run on their own goroutines over passive (PASV)
// data connections, so a session keeps answering commands such as NOOP
// or PWD while a download is in progress, and the final 226 reply follows
// replies to those later commands.
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//	    "github.com/fineftp/ftp/server"
//	)
//
//	func main() {
//	    store := server.NewMemoryStore()
//	    if err := store.AddUser("alice", "secret", "/srv/ftp/alice"); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    s, err := server.NewServer(":2121", server.WithCredentialStore(store))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Println("Starting FTP server on :2121")
//	    if err := s.ListenAndServe(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Accounts
//
// A CredentialStore maps a username and password to an Account: a root
// directory and a read-only flag. MemoryStore keeps bcrypt hashes in
// memory; the vaultstore subpackage reads users from HashiCorp Vault.
//
// Anonymous access is off until enabled, and is read-only by default:
//
//	store.SetAnonymous("/srv/ftp/pub", true)
//
// Sign-up (the UADD command followed by PASS) creates accounts under a
// common directory, one subdirectory per user:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithCredentialStore(store),
//	    server.WithSignupRoot("/srv/ftp/users"),
//	)
//
// Paths sent by clients are resolved against the account root. A path
// can never name anything outside it, and ".." at the root stays at the
// root.
//
// # Uploads
//
// By default only one upload (STOR or APPE) runs at a time across the
// whole server. A second upload is refused with 450 "Another client is
// uploading." and the client may retry. WithMaxConcurrentUploads raises
// the limit; 0 removes it.
//
// # Notifications
//
// A client that sends "NOTI <port>" gets a feed: the server connects back
// to the client's address on that port and writes a line whenever a user
// logs in or out ("bob logged in"). Delivery is best effort.
//
// # Passive Mode Configuration
//
// When behind NAT or in containerized environments, configure passive mode settings:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithCredentialStore(store),
//	    server.WithPublicHost("203.0.113.7"),
//	    server.WithPassivePortRange(30000, 30100),
//	)
//
// The public host is advertised to clients in PASV responses. If not set,
// the server uses the control connection's local address.
//
// # Server Configuration
//
// Connection limits and timeouts:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithCredentialStore(store),
//	    server.WithMaxConnections(100, 10),      // total, per IP
//	    server.WithMaxIdleTime(10*time.Minute),  // idle control connections
//	    server.WithBandwidthLimit(0, 1<<20),     // 1 MB/s per transfer
//	)
//
// Logging uses log/slog. Every session event carries session_id and
// remote_ip attributes; PASS arguments are never logged:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":2121",
//	    server.WithCredentialStore(store),
//	    server.WithLogger(logger),
//	)
//
// Metrics are reported to a MetricsCollector; the prommetrics subpackage
// provides one backed by Prometheus.
//
// # Shutdown
//
// Shutdown stops accepting connections, closes every session and aborts
// running transfers, then waits for the sessions to finish or for the
// context to expire:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	if err := s.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown: %v", err)
//	}
//
// # Command Set
//
// The server implements the RFC 959 minimum (RFC 1123 section 4.1.2.13)
// with passive transfers only, the RFC 775 X* aliases, and the UADD and
// NOTI extensions. Active mode, restarts, TLS and RFC 3659 extensions are
// refused.
package server
