package ftp

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

// mockConn is the server side of a scripted control connection.
type mockConn struct {
	t    *testing.T
	conn net.Conn
	tp   *textproto.Conn
}

// startMock runs script against the first client that connects and returns
// the address to dial. The script runs after the 220 greeting.
func startMock(t *testing.T, script func(m *mockConn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		ln.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("mock server script did not finish")
		}
	})

	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		m := &mockConn{t: t, conn: conn, tp: textproto.NewConn(conn)}
		m.reply(220, "mock ready")
		script(m)
	}()
	return ln.Addr().String()
}

func (m *mockConn) reply(code int, msg string) {
	if err := m.tp.PrintfLine("%d %s", code, msg); err != nil {
		m.t.Errorf("mock reply: %v", err)
	}
}

// expect reads one command line and checks its verb. It returns the
// argument.
func (m *mockConn) expect(verb string) string {
	line, err := m.tp.ReadLine()
	if err != nil {
		m.t.Errorf("mock expected %s: %v", verb, err)
		return ""
	}
	got, arg, _ := strings.Cut(line, " ")
	if got != verb {
		m.t.Errorf("mock expected %s, got %q", verb, line)
	}
	return arg
}

// handle reads a command and answers it.
func (m *mockConn) handle(verb string, code int, msg string) string {
	arg := m.expect(verb)
	m.reply(code, msg)
	return arg
}

// pasv answers a PASV command and returns the data listener.
func (m *mockConn) pasv() net.Listener {
	m.expect("PASV")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		m.t.Errorf("mock data listen: %v", err)
		return nil
	}
	port := ln.Addr().(*net.TCPAddr).Port
	m.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256))
	return ln
}

// serveData answers a transfer verb: it accepts the data connection,
// runs fn on it, closes it and sends 226.
func (m *mockConn) serveData(verb string, fn func(net.Conn)) string {
	ln := m.pasv()
	if ln == nil {
		return ""
	}
	defer ln.Close()
	arg := m.expect(verb)
	m.reply(150, "Opening data connection.")
	dc, err := ln.Accept()
	if err != nil {
		m.t.Errorf("mock data accept: %v", err)
		return arg
	}
	fn(dc)
	dc.Close()
	m.reply(226, "Transfer complete.")
	return arg
}

func sendAll(data string) func(net.Conn) {
	return func(c net.Conn) { _, _ = io.WriteString(c, data) }
}
