package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrUploadBusy reports that the upload gate is full.
var ErrUploadBusy = errors.New("ftp: another upload is in progress")

// transfer describes one data-connection operation handed to launch.
type transfer struct {
	op      string // RETR, STOR, APPE, LIST or NLST
	path    string // virtual path, for logs
	opening string // text of the 150 reply

	// run moves the data. conn is the accepted data connection.
	run func(ctx context.Context, conn net.Conn) (int64, error)

	// release runs once the transfer is over, whatever the outcome.
	release func()
}

func (s *session) handlePASV(_ string) {
	if !s.requireLogin() {
		return
	}
	if s.data != nil {
		_ = s.data.close()
		s.data = nil
	}

	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		host = ""
	}
	dc, err := openDataChannel(func() (net.Listener, error) {
		return s.server.passive.listen(host)
	})
	if err != nil {
		s.server.logger.Error("passive_listen_failed",
			"session_id", s.sessionID,
			"error", err,
		)
		s.reply(421, "Can't open passive connection.")
		return
	}
	s.data = dc

	s.reply(227, "Entering Passive Mode "+passiveAddress(s.advertisedIP(host), dc.Port())+".")
}

// advertisedIP returns the address placed in 227 replies.
func (s *session) advertisedIP(localHost string) net.IP {
	host := localHost
	if s.server.publicHost != "" {
		host = s.server.publicHost
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return net.ParseIP(localHost)
	}
	return ips[0]
}

func (s *session) handleTYPE(arg string) {
	if !s.requireLogin() {
		return
	}
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "A", "A N":
		s.binary = false
		s.reply(200, "Switching to ASCII mode.")
	case "I", "L 8":
		s.binary = true
		s.reply(200, "Switching to binary mode.")
	default:
		s.reply(504, "Unsupported transfer type.")
	}
}

func (s *session) requireDataChannel() bool {
	if s.data == nil {
		s.reply(425, "Use PASV first.")
		return false
	}
	return true
}

func (s *session) handleRETR(arg string) {
	if !s.requireLogin() || !s.requireDataChannel() || !s.requireArg(arg, "Please provide a file name.") {
		return
	}
	local, virtual := s.resolve(arg)
	info, err := os.Stat(local)
	if err != nil {
		s.replyError(err)
		return
	}
	if !info.Mode().IsRegular() {
		s.reply(550, "Not a regular file.")
		return
	}
	f, err := os.Open(local)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			s.reply(550, "Permission denied.")
			return
		}
		s.reply(451, "Error opening file for transfer.")
		return
	}

	s.launch(transfer{
		op:      "RETR",
		path:    virtual,
		opening: fmt.Sprintf("Opening BINARY mode data connection for %s (%d bytes).", path.Base(virtual), info.Size()),
		run: func(ctx context.Context, conn net.Conn) (int64, error) {
			return sendStream(ctx, s.limitWriter(ctx, conn), f, func() { conn.Close() })
		},
		release: func() { f.Close() },
	})
}

func (s *session) handleLIST(arg string) {
	s.list("LIST", arg)
}

func (s *session) handleNLST(arg string) {
	s.list("NLST", arg)
}

func (s *session) list(op, arg string) {
	if !s.requireLogin() || !s.requireDataChannel() {
		return
	}
	local, virtual := s.resolve(stripListFlags(arg))
	info, err := os.Stat(local)
	if err != nil {
		s.reply(550, "Directory not found.")
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return
	}
	infos, err := readDirInfo(local)
	if err != nil {
		s.reply(550, "Unable to read directory.")
		return
	}

	var body []byte
	if op == "NLST" {
		body = formatNameList(infos)
	} else {
		body = formatList(infos, s.server.listingOwner, time.Now())
	}

	s.launch(transfer{
		op:      op,
		path:    virtual,
		opening: "Here comes the directory listing.",
		run: func(ctx context.Context, conn net.Conn) (int64, error) {
			return sendStream(ctx, s.limitWriter(ctx, conn), bytes.NewReader(body), func() { conn.Close() })
		},
		release: func() {},
	})
}

// stripListFlags drops "ls"-style options such as "-la" that many clients
// send ahead of the path.
func stripListFlags(arg string) string {
	arg = strings.TrimSpace(arg)
	for strings.HasPrefix(arg, "-") {
		_, rest, _ := strings.Cut(arg, " ")
		arg = strings.TrimSpace(rest)
	}
	return arg
}

func (s *session) handleSTOR(arg string) {
	s.receive("STOR", arg)
}

func (s *session) handleAPPE(arg string) {
	s.receive("APPE", arg)
}

// receive validates an upload, takes a slot in the upload gate and hands
// the data channel to the receive pipeline.
func (s *session) receive(op, arg string) {
	if !s.requireLogin() || !s.requireWritable() || !s.requireDataChannel() || !s.requireArg(arg, "Please provide a file name.") {
		return
	}
	local, virtual := s.resolve(arg)
	info, statErr := os.Stat(local)

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if op == "APPE" {
		if statErr != nil || !info.Mode().IsRegular() {
			s.reply(550, "File does not exist.")
			return
		}
		flags = os.O_WRONLY | os.O_APPEND
	} else if statErr == nil && info.IsDir() {
		s.reply(553, "Cannot create file, a directory with that name exists.")
		return
	}

	release, err := s.acquireUpload()
	if err != nil {
		s.server.logger.Info("upload_rejected",
			"session_id", s.sessionID,
			"user", s.username(),
			"operation", op,
			"path", s.redactPath(virtual),
			"reason", "upload_busy",
		)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordUploadRejected(op)
		}
		s.reply(450, "Another client is uploading.")
		return
	}

	f, err := os.OpenFile(local, flags, 0o644)
	if err != nil {
		release()
		if errors.Is(err, os.ErrPermission) {
			s.reply(550, "Permission denied.")
			return
		}
		s.reply(451, "Error opening file for transfer.")
		return
	}

	s.launch(transfer{
		op:      op,
		path:    virtual,
		opening: "Ok to send data.",
		run: func(ctx context.Context, conn net.Conn) (int64, error) {
			n, err := receiveStream(ctx, f, s.limitReader(ctx, conn), func() { conn.Close() })
			if cerr := f.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("%w: %w", errFileIO, cerr)
			}
			return n, err
		},
		release: func() {
			f.Close()
			release()
		},
	})
}

// acquireUpload takes a slot in the server-wide upload gate without
// waiting. The returned function gives the slot back and is idempotent.
func (s *session) acquireUpload() (func(), error) {
	gate := s.server.uploads
	if gate == nil {
		return func() {}, nil
	}
	if !gate.TryAcquire(1) {
		return nil, ErrUploadBusy
	}
	var once sync.Once
	return func() { once.Do(func() { gate.Release(1) }) }, nil
}

// launch hands the session's data channel to a transfer goroutine and
// answers 150. The goroutine accepts the peer, runs the transfer and posts
// the terminal reply on the control lane.
func (s *session) launch(t transfer) {
	dc := s.data
	s.data = nil
	acct, binary := s.account, s.binary

	s.reply(150, t.opening)

	// Resources are released before the terminal reply so a client that
	// sees 226 can immediately start the next upload.
	release := sync.OnceFunc(t.release)

	s.transfers.Add(1)
	s.activeTransfers.Add(1)
	go func() {
		defer s.transfers.Done()
		defer s.activeTransfers.Add(-1)
		defer release()
		defer dc.close()
		defer context.AfterFunc(s.ctx, func() { _ = dc.close() })()

		conn, err := dc.acceptOnce(s.server.dataTimeout)
		if err != nil {
			release()
			s.transferAborted(t, "accept_failed", err)
			s.post(426, "Data transfer aborted.")
			return
		}

		s.server.logger.Debug("transfer_started",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(),
			"operation", t.op,
			"path", s.redactPath(t.path),
		)
		start := time.Now()
		n, err := t.run(s.ctx, conn)
		_ = dc.close()
		release()
		duration := time.Since(start)

		if s.ctx.Err() != nil {
			s.transferAborted(t, "session_closed", s.ctx.Err())
			return
		}
		switch {
		case err == nil:
			s.transferComplete(t, n, duration, acct, binary)
			s.post(226, "Transfer complete.")
		case errors.Is(err, errDataConn):
			s.transferAborted(t, "data_connection_error", err)
			s.post(426, "Connection closed; transfer aborted.")
		case errors.Is(err, syscall.ENOSPC):
			s.transferAborted(t, "no_space", err)
			s.post(452, "Insufficient storage space.")
		default:
			s.transferAborted(t, "local_error", err)
			s.post(451, "Requested action aborted: local error in processing.")
		}
	}()
}

func (s *session) transferComplete(t transfer, n int64, duration time.Duration, acct *Account, binary bool) {
	var mbps float64
	if duration > 0 {
		mbps = float64(n) / duration.Seconds() / (1024 * 1024)
	}
	user := ""
	if acct != nil {
		user = acct.Username
	}
	s.server.logger.Info("transfer_complete",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(),
		"user", user,
		"operation", t.op,
		"path", s.redactPath(t.path),
		"bytes", n,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", mbps),
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordTransfer(t.op, n, duration)
	}
	if t.op != "LIST" && t.op != "NLST" {
		s.logTransfer(t.op, t.path, n, duration, acct, binary)
	}
}

func (s *session) transferAborted(t transfer, reason string, err error) {
	s.server.logger.Warn("transfer_aborted",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(),
		"operation", t.op,
		"path", s.redactPath(t.path),
		"reason", reason,
		"error", err,
	)
}
