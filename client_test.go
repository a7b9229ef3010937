package ftp

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func dialMock(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTimeout(5 * time.Second)}, opts...)
	c, err := Dial(addr, opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.close)
	return c
}

func TestDialGreeting(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("QUIT", 221, "Goodbye.")
	})
	c := dialMock(t, addr)
	if err := c.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
}

func TestDialRejected(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.WriteString(conn, "421 Too many users, sorry.\r\n")
		conn.Close()
	}()

	_, err = Dial(ln.Addr().String(), WithTimeout(5*time.Second))
	if code := ReplyCode(err); code != 421 {
		t.Fatalf("expected 421, got %v", err)
	}
}

func TestDialInvalidAddress(t *testing.T) {
	t.Parallel()
	if _, err := Dial("no-port"); err == nil {
		t.Fatal("expected error for address without port")
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  func(m *mockConn)
		wantErr int
	}{
		{
			name: "user and password",
			script: func(m *mockConn) {
				m.handle("USER", 331, "Please enter password.")
				m.handle("PASS", 230, "Login successful.")
			},
		},
		{
			name: "no password needed",
			script: func(m *mockConn) {
				m.handle("USER", 230, "Already logged in.")
			},
		},
		{
			name: "wrong password",
			script: func(m *mockConn) {
				m.handle("USER", 331, "Please enter password.")
				m.handle("PASS", 530, "Login incorrect.")
			},
			wantErr: 530,
		},
		{
			name: "user refused",
			script: func(m *mockConn) {
				m.handle("USER", 501, "Please provide username.")
			},
			wantErr: 501,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := dialMock(t, startMock(t, tt.script))
			err := c.Login("alice", "secret")
			if got := ReplyCode(err); got != tt.wantErr {
				t.Fatalf("expected code %d, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSignUp(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		if arg := m.handle("UADD", 331, "Please enter new password."); arg != "bob" {
			t.Errorf("UADD arg = %q", arg)
		}
		m.handle("PASS", 230, "Account created.")
	})
	c := dialMock(t, addr)
	if err := c.SignUp("bob", "pw"); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
}

func TestPasswordNotLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(lockedWriter{&mu, &buf}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	addr := startMock(t, func(m *mockConn) {
		m.handle("USER", 331, "Please enter password.")
		m.handle("PASS", 530, "Login incorrect.")
	})
	c := dialMock(t, addr, WithLogger(logger))
	err := c.Login("alice", "hunter2")

	if strings.Contains(err.Error(), "hunter2") {
		t.Errorf("error leaks password: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("log leaks password:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "PASS ***") {
		t.Errorf("expected masked PASS in log:\n%s", buf.String())
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestMultiLineReply(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.expect("SYST")
		_, _ = io.WriteString(m.conn, "215-first\r\n215-second\r\n215 UNIX Type: L8\r\n")
	})
	c := dialMock(t, addr)
	resp, err := c.Quote("syst")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if resp.Code != 215 || resp.Message != "first\nsecond\nUNIX Type: L8" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSystAndNoop(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("SYST", 215, "UNIX Type: L8")
		m.handle("NOOP", 200, "OK.")
	})
	c := dialMock(t, addr)
	sys, err := c.Syst()
	if err != nil || sys != "UNIX Type: L8" {
		t.Fatalf("Syst = %q, %v", sys, err)
	}
	if err := c.Noop(); err != nil {
		t.Fatalf("Noop: %v", err)
	}
}

func TestSizeAndModTime(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("SIZE", 213, "3072000")
		m.handle("MDTM", 213, "20231220143000")
		m.handle("SIZE", 550, "File not found.")
		m.handle("MDTM", 213, "yesterday")
	})
	c := dialMock(t, addr)

	size, err := c.Size("big.bin")
	if err != nil || size != 3072000 {
		t.Fatalf("Size = %d, %v", size, err)
	}
	mod, err := c.ModTime("big.bin")
	if want := time.Date(2023, 12, 20, 14, 30, 0, 0, time.UTC); err != nil || !mod.Equal(want) {
		t.Fatalf("ModTime = %v, %v", mod, err)
	}
	if _, err := c.Size("missing"); ReplyCode(err) != 550 {
		t.Errorf("Size of missing file: %v", err)
	}
	if _, err := c.ModTime("odd"); err == nil {
		t.Error("expected error for malformed MDTM reply")
	}
}

func TestTypeIsCached(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("TYPE", 200, "Type set to I.")
		m.handle("TYPE", 200, "Type set to A.")
		m.handle("NOOP", 200, "OK.")
	})
	c := dialMock(t, addr)
	for _, typ := range []string{"I", "I", "A", "A"} {
		if err := c.Type(typ); err != nil {
			t.Fatalf("Type(%s): %v", typ, err)
		}
	}
	// The NOOP proves no extra TYPE went out.
	if err := c.Noop(); err != nil {
		t.Fatalf("Noop: %v", err)
	}
}

func TestCommandInjection(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {})
	c := dialMock(t, addr)
	if err := c.Delete("a\r\nDELE b"); err == nil {
		t.Fatal("expected error for argument containing CRLF")
	}
}

func TestNavigation(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("CWD", 250, "Directory changed.")
		m.handle("CDUP", 250, "Directory changed.")
		m.handle("PWD", 257, `"/a ""q""" is the current directory.`)
		m.handle("MKD", 257, `"/docs" created.`)
		m.handle("RMD", 250, "Directory removed.")
		m.handle("DELE", 250, "File deleted.")
		m.handle("RNFR", 350, "Enter target name.")
		m.handle("RNTO", 250, "Rename successful.")
		m.handle("RNFR", 550, "File not found.")
	})
	c := dialMock(t, addr)

	if err := c.ChangeDir("docs"); err != nil {
		t.Fatalf("ChangeDir: %v", err)
	}
	if err := c.ChangeDirToParent(); err != nil {
		t.Fatalf("ChangeDirToParent: %v", err)
	}
	dir, err := c.CurrentDir()
	if err != nil || dir != `/a "q"` {
		t.Fatalf("CurrentDir = %q, %v", dir, err)
	}
	created, err := c.MakeDir("docs")
	if err != nil || created != "/docs" {
		t.Fatalf("MakeDir = %q, %v", created, err)
	}
	if err := c.RemoveDir("docs"); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if err := c.Delete("x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Rename("a", "b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := c.Rename("missing", "b"); ReplyCode(err) != 550 {
		t.Fatalf("expected 550 from RNFR, got %v", err)
	}
}

func TestRetrieve(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("TYPE", 200, "Type set to I.")
		if arg := m.serveData("RETR", sendAll("hello world")); arg != "greeting.txt" {
			t.Errorf("RETR arg = %q", arg)
		}
	})
	c := dialMock(t, addr)

	var buf bytes.Buffer
	if err := c.Retrieve("greeting.txt", &buf); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if buf.String() != "hello world" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestRetrieveRefused(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("TYPE", 200, "Type set to I.")
		ln := m.pasv()
		defer ln.Close()
		m.handle("RETR", 550, "File not found.")
	})
	c := dialMock(t, addr)

	err := c.Retrieve("missing", io.Discard)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Code != 550 || !pe.IsPermanent() {
		t.Fatalf("expected permanent 550, got %v", err)
	}
	if pe.Command != "RETR missing" {
		t.Errorf("Command = %q", pe.Command)
	}
}

func TestStoreAndAppend(t *testing.T) {
	t.Parallel()

	received := make(chan string, 2)
	collect := func(c net.Conn) {
		data, _ := io.ReadAll(c)
		received <- string(data)
	}
	addr := startMock(t, func(m *mockConn) {
		m.handle("TYPE", 200, "Type set to I.")
		m.serveData("STOR", collect)
		m.serveData("APPE", collect)
	})
	c := dialMock(t, addr)

	var progress int64
	pr := &ProgressReader{Reader: strings.NewReader("first"), Callback: func(n int64) { progress = n }}
	if err := c.Store("f.txt", pr); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Append("f.txt", strings.NewReader("second")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := <-received; got != "first" {
		t.Errorf("STOR data = %q", got)
	}
	if got := <-received; got != "second" {
		t.Errorf("APPE data = %q", got)
	}
	if progress != 5 || pr.Total() != 5 {
		t.Errorf("progress = %d, total = %d", progress, pr.Total())
	}
}

func TestStoreBusy(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("TYPE", 200, "Type set to I.")
		ln := m.pasv()
		defer ln.Close()
		m.handle("STOR", 450, "Another client is uploading.")
	})
	c := dialMock(t, addr)

	err := c.Store("f.txt", strings.NewReader("x"))
	var pe *ProtocolError
	if !errors.As(err, &pe) || !pe.IsTemporary() {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestTransferFailedAfterStart(t *testing.T) {
	t.Parallel()

	addr := startMock(t, func(m *mockConn) {
		m.handle("TYPE", 200, "Type set to I.")
		ln := m.pasv()
		defer ln.Close()
		m.handle("RETR", 150, "Opening data connection.")
		dc, err := ln.Accept()
		if err == nil {
			dc.Close()
		}
		m.reply(451, "Requested action aborted: local error in processing.")
	})
	c := dialMock(t, addr)

	if err := c.Retrieve("f", io.Discard); ReplyCode(err) != 451 {
		t.Fatalf("expected 451, got %v", err)
	}
}

func TestListAndNameList(t *testing.T) {
	t.Parallel()

	listing := "drwxr-xr-x    1 ftp        ftp              4096 Oct 16 19:49 docs\r\n" +
		"-rw-r--r--    1 ftp        ftp                12 Jan  2  2024 my notes.txt\r\n" +
		"total 2\r\n"
	addr := startMock(t, func(m *mockConn) {
		if arg := m.serveData("LIST", sendAll(listing)); arg != "" {
			t.Errorf("LIST arg = %q", arg)
		}
		m.serveData("NLST", sendAll("docs\r\nmy notes.txt\r\n"))
	})
	c := dialMock(t, addr)

	entries, err := c.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].IsDir() || entries[0].Name != "docs" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Name != "my notes.txt" || entries[1].Size != 12 || entries[1].ModTime.Year() != 2024 {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	names, err := c.NameList("")
	if err != nil {
		t.Fatalf("NameList: %v", err)
	}
	if strings.Join(names, "|") != "docs|my notes.txt" {
		t.Errorf("names = %q", names)
	}
}

func TestOptionValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opt  Option
	}{
		{"negative timeout", WithTimeout(-time.Second)},
		{"nil logger", WithLogger(nil)},
		{"nil dialer", WithDialer(nil)},
		{"negative bandwidth", WithBandwidthLimit(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Dial("127.0.0.1:1", tt.opt); err == nil {
				t.Fatal("expected option error")
			}
		})
	}
}

func TestProtocolError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      int
		temporary bool
		permanent bool
	}{
		{226, false, false},
		{425, true, false},
		{450, true, false},
		{530, false, true},
		{553, false, true},
	}
	for _, tt := range tests {
		pe := &ProtocolError{Command: "STOR x", Response: "msg", Code: tt.code}
		if pe.IsTemporary() != tt.temporary || pe.IsPermanent() != tt.permanent {
			t.Errorf("code %d: temporary=%v permanent=%v", tt.code, pe.IsTemporary(), pe.IsPermanent())
		}
	}

	wrapped := errors.Join(errors.New("upload failed"), &ProtocolError{Code: 452})
	if ReplyCode(wrapped) != 452 {
		t.Errorf("ReplyCode through wrapping = %d", ReplyCode(wrapped))
	}
	if ReplyCode(errors.New("plain")) != 0 {
		t.Error("ReplyCode of a plain error should be 0")
	}
}
