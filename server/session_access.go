package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// notifyDialTimeout bounds the dial back for NOTI.
const notifyDialTimeout = 5 * time.Second

func (s *session) handleUSER(arg string) {
	s.startLogin(arg, "Please enter password.")
}

// handleUADD starts a sign-up. The following PASS creates the account.
func (s *session) handleUADD(arg string) {
	if s.server.signupRoot == "" {
		s.reply(502, "Sign-up is disabled.")
		return
	}
	if arg != "" && !ValidUsername(arg) {
		s.logout()
		s.reply(501, "Invalid username.")
		return
	}
	s.startLogin(arg, "Please enter new password.")
}

func (s *session) startLogin(name, prompt string) {
	s.logout()
	s.pendingUser = name
	if name == "" {
		s.reply(501, "Please provide username.")
		return
	}
	s.awaitingPass = true
	s.reply(331, prompt)
}

// handlePASS completes USER or UADD, whichever was accepted last.
func (s *session) handlePASS(arg string) {
	if !s.awaitingPass || (s.lastCmd != "USER" && s.lastCmd != "UADD") {
		s.reply(503, "Please specify username first.")
		return
	}
	s.awaitingPass = false
	user := s.pendingUser

	ctx, cancel := context.WithTimeout(s.ctx, authTimeout)
	defer cancel()

	if s.lastCmd == "UADD" {
		s.signUp(ctx, user, arg)
		return
	}

	acct, err := s.server.store.Lookup(ctx, user, arg)
	if err != nil {
		reason := "invalid_credentials"
		if !errors.Is(err, ErrInvalidCredentials) {
			reason = "store_error"
		}
		s.authFailed(user, reason, err)
		s.reply(530, "Login incorrect.")
		return
	}
	if err := s.login(acct); err != nil {
		s.authFailed(user, "home_unavailable", err)
		s.reply(530, "Home directory unavailable.")
		return
	}

	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(),
		"user", acct.Username,
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, acct.Username)
	}
	s.reply(230, "Login successful.")
}

func (s *session) signUp(ctx context.Context, user, pass string) {
	root := filepath.Join(s.server.signupRoot, user)
	if err := os.MkdirAll(root, 0o755); err != nil {
		s.server.logger.Error("signup_failed",
			"session_id", s.sessionID,
			"user", user,
			"error", err,
		)
		s.reply(530, "Sign-up failed.")
		return
	}

	acct, err := s.server.store.Create(ctx, user, pass, root)
	switch {
	case errors.Is(err, ErrAccountExists):
		s.reply(530, "Username already exists.")
		return
	case err != nil:
		s.server.logger.Error("signup_failed",
			"session_id", s.sessionID,
			"user", user,
			"error", err,
		)
		s.reply(530, "Sign-up failed.")
		return
	}

	if err := s.login(acct); err != nil {
		s.authFailed(user, "home_unavailable", err)
		s.reply(530, "Home directory unavailable.")
		return
	}
	s.server.logger.Info("account_created",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(),
		"user", user,
	)
	s.reply(230, "Sign up successful.")
}

// login makes acct the session user with the working directory at its root.
func (s *session) login(acct *Account) error {
	if err := os.MkdirAll(acct.Root, 0o755); err != nil {
		return err
	}
	resolver, err := NewPathResolver(acct.Root)
	if err != nil {
		return err
	}
	s.account = acct
	s.resolver = resolver
	s.cwd = "/"
	s.server.roster.join(s, acct.Username)
	return nil
}

// logout drops any authenticated or pending identity.
func (s *session) logout() {
	if s.account != nil {
		s.server.roster.leave(s)
	}
	s.account = nil
	s.resolver = nil
	s.cwd = "/"
	s.pendingUser = ""
	s.awaitingPass = false
	s.renameFrom = ""
}

func (s *session) authFailed(user, reason string, err error) {
	s.server.logger.Warn("authentication_failed",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(),
		"user", user,
		"reason", reason,
		"error", err,
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(false, user)
	}
}

func (s *session) handleQUIT(_ string) {
	s.waitTransfers(quitGrace)
	s.logout()
	s.reply(221, "Goodbye.")
	s.quit = true
}

// handleNOTI opens a best-effort notification feed: the server dials back
// to the client's address on the given port and pushes roster lines.
func (s *session) handleNOTI(arg string) {
	port, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || port < 1 || port > 65535 {
		s.reply(501, "Invalid port.")
		return
	}

	addr := net.JoinHostPort(s.remoteIP, strconv.Itoa(port))
	s.transfers.Add(1)
	go func() {
		defer s.transfers.Done()
		d := net.Dialer{Timeout: notifyDialTimeout}
		conn, err := d.DialContext(s.ctx, "tcp", addr)
		if err != nil {
			s.server.logger.Debug("notification_dial_failed",
				"session_id", s.sessionID,
				"addr", addr,
				"error", err,
			)
			return
		}
		s.setNotifier(newNotifier(conn))
		s.server.logger.Info("notification_channel_opened",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(),
		)
	}()
	s.reply(200, "Notification channel requested.")
}
