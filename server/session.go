package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fineftp/ftp/internal/ratelimit"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

const (
	// replyQueueSize bounds replies waiting for the control connection.
	replyQueueSize = 64

	// replyWriteTimeout bounds a single reply write.
	replyWriteTimeout = 30 * time.Second

	// authTimeout bounds a credential store call.
	authTimeout = 10 * time.Second

	// quitGrace is how long QUIT waits for running transfers to report.
	quitGrace = 30 * time.Second
)

var errCommandTooLong = errors.New("command too long")

var (
	controlReaderPool = sync.Pool{New: func() any { return bufio.NewReaderSize(nil, 4096) }}
	controlWriterPool = sync.Pool{New: func() any { return bufio.NewWriterSize(nil, 4096) }}
)

// reply is one control-connection response.
type reply struct {
	code int
	msg  string
}

// session is one control connection.
//
// The serve goroutine owns all command state; handlers run on it one at a
// time. Replies go through a FIFO lane drained by a writer goroutine, so
// dispatch never waits for a reply to reach the client. Transfers run on
// their own goroutines and report their terminal reply through the same
// lane.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	telnet telnetFilter // used by the command reader goroutine only

	sessionID string
	remoteIP  string

	// ctx is cancelled when the session ends and aborts running transfers.
	ctx    context.Context
	cancel context.CancelFunc

	// cmds is fed by the command reader goroutine, which owns reader.
	cmds chan command

	// Control-reply lane.
	replies  chan reply
	laneDone chan struct{}

	// State owned by the serve goroutine.
	pendingUser  string
	awaitingPass bool
	account      *Account
	resolver     *PathResolver
	cwd          string
	lastCmd      string
	lastCode     int
	renameFrom   string
	binary       bool
	data         *dataChannel
	quit         bool

	transfers       sync.WaitGroup
	activeTransfers atomic.Int32

	notifyMu sync.Mutex
	feed     *notifier
}

// commandHandlers maps FTP verbs to their handlers.
var commandHandlers = map[string]func(*session, string){
	// Access control
	"USER": (*session).handleUSER,
	"UADD": (*session).handleUADD,
	"PASS": (*session).handlePASS,
	"QUIT": (*session).handleQUIT,
	"NOTI": (*session).handleNOTI,

	// File management
	"CWD":  (*session).handleCWD,
	"XCWD": (*session).handleCWD,
	"CDUP": (*session).handleCDUP,
	"XCUP": (*session).handleCDUP,
	"PWD":  (*session).handlePWD,
	"XPWD": (*session).handlePWD,
	"MKD":  (*session).handleMKD,
	"XMKD": (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"XRMD": (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,

	// Transfer
	"PASV": (*session).handlePASV,
	"TYPE": (*session).handleTYPE,
	"RETR": (*session).handleRETR,
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,

	// Information
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,
	"SYST": (*session).handleSYST,
	"NOOP": (*session).handleNOOP,
}

func init() {
	for _, cmd := range unsupportedCommands {
		commandHandlers[cmd] = (*session).handleUnsupported
	}
	for _, cmd := range notImplementedCommands {
		commandHandlers[cmd] = (*session).handleNotImplemented
	}
}

// generateSessionID generates a unique 8-character session ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

func newSession(server *Server, conn net.Conn) *session {
	reader := controlReaderPool.Get().(*bufio.Reader)
	reader.Reset(conn)
	writer := controlWriterPool.Get().(*bufio.Writer)
	writer.Reset(conn)

	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		server:    server,
		conn:      conn,
		reader:    reader,
		writer:    writer,
		sessionID: generateSessionID(),
		remoteIP:  remoteIP(conn),
		ctx:       ctx,
		cancel:    cancel,
		replies:   make(chan reply, replyQueueSize),
		laneDone:  make(chan struct{}),
		cwd:       "/",
		binary:    true,
	}
}

type command struct {
	line string
	err  error
}

// serve runs the session until QUIT or until the control connection fails.
func (s *session) serve() {
	defer s.close()

	go s.replyLoop()
	s.post(220, s.server.welcomeMessage)

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(),
	)

	s.cmds = make(chan command)
	go s.readCommands()
	for cmd := range s.cmds {
		if cmd.err != nil {
			s.readFailed(cmd.err)
			return
		}
		s.handleCommand(cmd.line)
		if s.quit {
			return
		}
	}
}

func (s *session) readFailed(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, errCommandTooLong):
		s.post(500, "Command line too long.")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.server.logger.Info("session_idle_timeout",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(),
			"user", s.username(),
		)
		s.post(421, "Timeout.")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		s.server.logger.Warn("read_error",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(),
			"user", s.username(),
			"error", err,
		)
	}
}

// readCommands reads command lines ahead of dispatch until the session
// ends, then closes cmds. The idle deadline is re-armed while a transfer
// is running, so a long download does not end the session.
func (s *session) readCommands() {
	defer close(s.cmds)
	for {
		if s.server.maxIdleTime > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
		}
		line, err := s.readCommand()

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && s.activeTransfers.Load() > 0 {
			continue
		}

		select {
		case s.cmds <- command{line, err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// readCommand reads a line from the reader with a limit, dropping Telnet
// command sequences.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		raw, err := s.reader.ReadByte()
		if err != nil {
			return string(line), err
		}
		b, ok := s.telnet.feed(raw)
		if !ok {
			continue
		}
		if b == '\n' {
			return string(line), nil
		}
		if len(line) >= MaxCommandLength {
			return "", errCommandTooLong
		}
		line = append(line, b)
	}
}

// parseCommand splits a line into an upper-cased verb and its argument.
func parseCommand(line string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// handleCommand parses and dispatches a command.
func (s *session) handleCommand(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	cmd, arg := parseCommand(line)

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command_received",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(),
		"user", s.username(),
		"cmd", cmd,
		"arg", logArg,
	)

	handler, ok := commandHandlers[cmd]
	switch {
	case !ok:
		s.reply(500, "Unrecognized command.")
		return
	case s.server.disabledCommands[cmd]:
		s.reply(502, "Command not implemented.")
		return
	}

	start := time.Now()
	s.lastCode = 0
	handler(s, arg)
	s.lastCmd = cmd

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(cmd, s.lastCode > 0 && s.lastCode < 400, time.Since(start))
	}
}

// reply queues the immediate reply of the command being dispatched.
// It must only be called from the serve goroutine.
func (s *session) reply(code int, msg string) {
	s.lastCode = code
	s.post(code, msg)
}

// post queues a reply on the control lane. Safe for any goroutine.
func (s *session) post(code int, msg string) {
	select {
	case s.replies <- reply{code: code, msg: msg}:
	case <-s.laneDone:
	}
}

// replyLoop writes queued replies in order. After a write failure it
// keeps draining so posters never block, and closes the connection so the
// command reader stops.
func (s *session) replyLoop() {
	defer close(s.laneDone)
	failed := false
	for r := range s.replies {
		if failed {
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(replyWriteTimeout))
		_, err := fmt.Fprintf(s.writer, "%d %s\r\n", r.code, r.msg)
		if err == nil {
			err = s.writer.Flush()
		}
		if err != nil {
			failed = true
			s.server.logger.Debug("reply_write_failed",
				"session_id", s.sessionID,
				"remote_ip", s.redactIP(),
				"error", err,
			)
			s.conn.Close()
		}
	}
}

// close tears the session down: running transfers are aborted, the reply
// lane is flushed, then the control connection is closed.
func (s *session) close() {
	s.cancel()
	if s.data != nil {
		_ = s.data.close()
		s.data = nil
	}
	s.transfers.Wait()
	s.logout()

	close(s.replies)
	<-s.laneDone

	s.setNotifier(nil)
	s.conn.Close()

	// The reader goes back to the pool only once its goroutine has exited.
	if s.cmds != nil {
		for range s.cmds {
		}
	}
	s.reader.Reset(nil)
	controlReaderPool.Put(s.reader)
	s.writer.Reset(nil)
	controlWriterPool.Put(s.writer)

	s.server.logger.Info("session_ended",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(),
	)
}

// waitTransfers waits for running transfers, at most d.
func (s *session) waitTransfers(d time.Duration) {
	done := make(chan struct{})
	go func() {
		s.transfers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

func (s *session) requireLogin() bool {
	if s.account == nil {
		s.reply(530, "Not logged in.")
		return false
	}
	return true
}

func (s *session) requireWritable() bool {
	if s.account.ReadOnly {
		s.reply(550, "Permission denied.")
		return false
	}
	return true
}

func (s *session) requireArg(arg, msg string) bool {
	if strings.TrimSpace(arg) == "" {
		s.reply(501, msg)
		return false
	}
	return true
}

func (s *session) resolve(p string) (local, virtual string) {
	return s.resolver.Resolve(s.cwd, p)
}

func (s *session) username() string {
	if s.account != nil {
		return s.account.Username
	}
	return s.pendingUser
}

// replyError sends a standard error response based on the error type.
func (s *session) replyError(err error) {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		s.reply(550, "File not found.")
	case errors.Is(err, os.ErrPermission):
		s.reply(550, "Permission denied.")
	case errors.Is(err, os.ErrExist):
		s.reply(550, "File already exists.")
	default:
		s.reply(451, "Requested action aborted: local error in processing.")
	}
}

func (s *session) redactIP() string {
	return s.server.redactIP(s.remoteIP)
}

func (s *session) redactPath(p string) string {
	return s.server.redactPath(p)
}

// limitReader applies the per-transfer and global bandwidth limits.
func (s *session) limitReader(ctx context.Context, r io.Reader) io.Reader {
	return ratelimit.NewReader(ctx, r, ratelimit.New(s.server.bandwidthLimitPerUser), s.server.globalLimiter)
}

// limitWriter applies the per-transfer and global bandwidth limits.
func (s *session) limitWriter(ctx context.Context, w io.Writer) io.Writer {
	return ratelimit.NewWriter(ctx, w, ratelimit.New(s.server.bandwidthLimitPerUser), s.server.globalLimiter)
}

// notify delivers a roster line to the session's notification feed.
func (s *session) notify(msg string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.feed != nil {
		s.feed.deliver(msg)
	}
}

// setNotifier replaces the notification feed. A feed installed after the
// session ended is closed immediately.
func (s *session) setNotifier(n *notifier) {
	s.notifyMu.Lock()
	var stale []*notifier
	if s.feed != nil {
		stale = append(stale, s.feed)
	}
	s.feed = n
	if n != nil && s.ctx.Err() != nil {
		s.feed = nil
		stale = append(stale, n)
	}
	s.notifyMu.Unlock()
	for _, old := range stale {
		old.close()
	}
}

// logTransfer writes an xferlog line:
// current-time transfer-time remote-host file-size filename transfer-type
// special-action-flag direction access-mode username service-name
// authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(op, filename string, bytes int64, duration time.Duration, acct *Account, binary bool) {
	if s.server.transferLog == nil {
		return
	}

	seconds := int64(duration.Seconds())
	if seconds == 0 {
		seconds = 1
	}
	tType := "b"
	if !binary {
		tType = "a"
	}
	direction := "o"
	if op == "STOR" || op == "APPE" {
		direction = "i"
	}
	accessMode, user := "r", "*"
	if acct != nil {
		user = acct.Username
		if IsAnonymous(acct.Username) {
			accessMode = "a"
		}
	}

	line := fmt.Sprintf("%s %d %s %d %s %s _ %s %s %s ftp 0 * c\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		seconds,
		s.remoteIP,
		bytes,
		filename,
		tType,
		direction,
		accessMode,
		user,
	)
	s.server.transferLogMu.Lock()
	defer s.server.transferLogMu.Unlock()
	_, _ = io.WriteString(s.server.transferLog, line)
}
