package server

import (
	"bufio"
	"net"
	"net/textproto"
	"sync"
	"testing"
	"time"
)

// greeting dials addr and returns the code of the first reply.
func greeting(t *testing.T, addr string) (int, net.Conn) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	fatalIfErr(t, err, "dial")
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	code, _, err := textproto.NewReader(bufio.NewReader(conn)).ReadResponse(0)
	fatalIfErr(t, err, "read greeting")
	return code, conn
}

func TestMaxConnections(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	mock := newMockMetricsCollector()
	srv, addr := startServer(t, store, WithMaxConnections(1, 0), WithMetricsCollector(mock))

	// First connection should succeed
	c1 := dialCtrl(t, addr)
	waitFor(t, "first session", func() bool { return srv.ActiveConnections() == 1 })

	// Second connection is greeted with 421 and closed
	code, c2 := greeting(t, addr)
	c2.Close()
	if code != 421 {
		t.Fatalf("Client 2 got %d, want 421", code)
	}

	// Close first connection and retry
	c1.cmd(221, "QUIT")
	waitFor(t, "slot release", func() bool { return srv.ActiveConnections() == 0 })

	code, c3 := greeting(t, addr)
	c3.Close()
	if code != 220 {
		t.Fatalf("Client 3 got %d after slot freed, want 220", code)
	}

	if snap := mock.snapshot(); snap.rejections != 1 {
		t.Errorf("rejections = %d, want 1", snap.rejections)
	}
}

func TestMaxConnectionsConcurrentAccepts(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	const limit, clients = 2, 16
	_, addr := startServer(t, store, WithMaxConnections(limit, 0))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
		conns []net.Conn
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			code, _, err := textproto.NewReader(bufio.NewReader(conn)).ReadResponse(0)
			mu.Lock()
			defer mu.Unlock()
			conns = append(conns, conn)
			if err != nil {
				t.Errorf("read greeting: %v", err)
				return
			}
			codes[code]++
		}()
	}
	wg.Wait()
	for _, c := range conns {
		c.Close()
	}

	if codes[220] != limit || codes[421] != clients-limit {
		t.Errorf("greetings = %v, want %d x 220 and %d x 421", codes, limit, clients-limit)
	}
}

func TestMaxConnectionsPerIP(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	srv, addr := startServer(t, store, WithMaxConnections(0, 1))

	c1 := dialCtrl(t, addr)
	waitFor(t, "first session", func() bool { return srv.ActiveConnections() == 1 })

	// Second connection from same IP should fail
	code, c2 := greeting(t, addr)
	c2.Close()
	if code != 421 {
		t.Fatalf("Client 2 got %d, want 421", code)
	}

	c1.cmd(221, "QUIT")
	waitFor(t, "per-IP slot release", func() bool {
		srv.connsByIPMu.Lock()
		defer srv.connsByIPMu.Unlock()
		return len(srv.connsByIP) == 0
	})

	code, c3 := greeting(t, addr)
	c3.Close()
	if code != 220 {
		t.Fatalf("Client 3 got %d after slot freed, want 220", code)
	}
}
