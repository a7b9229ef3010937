package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// newTestStore returns a MemoryStore with a fast hash cost and one user,
// alice/secret, rooted at a fresh temporary directory.
func newTestStore(t *testing.T) (*MemoryStore, string) {
	t.Helper()
	store := NewMemoryStore()
	store.SetHashCost(bcrypt.MinCost)
	root := t.TempDir()
	fatalIfErr(t, store.AddUser("alice", "secret", root), "AddUser")
	return store, root
}

// startServer runs a server on a loopback port until the test ends.
func startServer(t *testing.T, store CredentialStore, opts ...Option) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "Listen")

	opts = append([]Option{WithCredentialStore(store)}, opts...)
	srv, err := NewServer(ln.Addr().String(), opts...)
	fatalIfErr(t, err, "NewServer")

	go func() {
		if err := srv.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("Server stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ln.Addr().String()
}

// ctrl is a raw control-connection client for driving the server
// command by command.
type ctrl struct {
	t    *testing.T
	conn net.Conn
	tp   *textproto.Conn
}

func dialCtrl(t *testing.T, addr string) *ctrl {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial %s", addr)
	c := &ctrl{t: t, conn: conn, tp: textproto.NewConn(conn)}
	t.Cleanup(func() { c.tp.Close() })
	c.expect(220)
	return c
}

// send writes one command line without reading a reply.
func (c *ctrl) send(format string, args ...any) {
	c.t.Helper()
	fatalIfErr(c.t, c.tp.PrintfLine(format, args...), "send %q", format)
}

// read returns the next reply.
func (c *ctrl) read() (int, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	code, msg, err := c.tp.ReadResponse(0)
	fatalIfErr(c.t, err, "read reply")
	return code, msg
}

// expect reads the next reply and fails unless it has the given code.
func (c *ctrl) expect(code int) string {
	c.t.Helper()
	got, msg := c.read()
	if got != code {
		c.t.Fatalf("expected %d, got %d %s", code, got, msg)
	}
	return msg
}

// cmd sends a command and checks the reply code.
func (c *ctrl) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	c.send(format, args...)
	return c.expect(code)
}

func (c *ctrl) login(user, pass string) {
	c.t.Helper()
	c.cmd(331, "USER %s", user)
	c.cmd(230, "PASS %s", pass)
}

// pasv sends PASV and returns the advertised data address.
func (c *ctrl) pasv() string {
	c.t.Helper()
	msg := c.cmd(227, "PASV")
	addr, err := parsePASV(msg)
	fatalIfErr(c.t, err, "parse %q", msg)
	return addr
}

func parsePASV(msg string) (string, error) {
	start := strings.Index(msg, "(")
	end := strings.LastIndex(msg, ")")
	if start < 0 || end < start {
		return "", fmt.Errorf("no address in %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("bad address in %q", msg)
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("bad port in %q", msg)
	}
	host := strings.Join(parts[:4], ".")
	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

func dialData(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial data %s", addr)
	return conn
}

// store uploads data with STOR and waits for 226.
func (c *ctrl) store(name string, data []byte) {
	c.t.Helper()
	addr := c.pasv()
	c.send("STOR %s", name)
	dc := dialData(c.t, addr)
	c.expect(150)
	_, err := dc.Write(data)
	fatalIfErr(c.t, err, "write data")
	dc.Close()
	c.expect(226)
}

// retrieve downloads name with RETR and waits for 226.
func (c *ctrl) retrieve(name string) []byte {
	c.t.Helper()
	addr := c.pasv()
	c.send("RETR %s", name)
	dc := dialData(c.t, addr)
	c.expect(150)
	data, err := io.ReadAll(dc)
	fatalIfErr(c.t, err, "read data")
	dc.Close()
	c.expect(226)
	return data
}

// list runs LIST or NLST and returns the listing.
func (c *ctrl) list(verb, arg string) string {
	c.t.Helper()
	addr := c.pasv()
	if arg == "" {
		c.send("%s", verb)
	} else {
		c.send("%s %s", verb, arg)
	}
	dc := dialData(c.t, addr)
	c.expect(150)
	data, err := io.ReadAll(dc)
	fatalIfErr(c.t, err, "read listing")
	dc.Close()
	c.expect(226)
	return string(data)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
