package server

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// SessionInfo describes an authenticated session.
type SessionInfo struct {
	ID         string    `json:"id"`
	User       string    `json:"user"`
	RemoteIP   string    `json:"remoteIp"`
	LoggedInAt time.Time `json:"loggedInAt"`
}

// directory tracks authenticated sessions and relays roster events to
// sessions that opened a notification feed.
type directory struct {
	mu       sync.Mutex
	sessions map[*session]SessionInfo
}

func newDirectory() *directory {
	return &directory{sessions: make(map[*session]SessionInfo)}
}

// join registers s as logged in and announces it.
func (d *directory) join(s *session, user string) {
	d.mu.Lock()
	d.sessions[s] = SessionInfo{
		ID:         s.sessionID,
		User:       user,
		RemoteIP:   s.remoteIP,
		LoggedInAt: time.Now(),
	}
	d.mu.Unlock()
	d.broadcast(fmt.Sprintf("%s logged in", user))
}

// leave removes s and announces it. It is a no-op for unknown sessions.
func (d *directory) leave(s *session) {
	d.mu.Lock()
	info, ok := d.sessions[s]
	delete(d.sessions, s)
	d.mu.Unlock()
	if ok {
		d.broadcast(fmt.Sprintf("%s logged out", info.User))
	}
}

func (d *directory) broadcast(msg string) {
	d.mu.Lock()
	targets := make([]*session, 0, len(d.sessions))
	for s := range d.sessions {
		targets = append(targets, s)
	}
	d.mu.Unlock()

	for _, s := range targets {
		s.notify(msg)
	}
}

func (d *directory) list() []SessionInfo {
	d.mu.Lock()
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, info := range d.sessions {
		out = append(out, info)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LoggedInAt.Before(out[j].LoggedInAt) })
	return out
}

// notifier pushes roster lines to a client-opened connection without
// ever blocking the sender. Messages are dropped when the queue is full.
type notifier struct {
	conn  net.Conn
	queue chan string
	done  chan struct{}
}

const (
	notifyQueueSize    = 32
	notifyWriteTimeout = 5 * time.Second
)

func newNotifier(conn net.Conn) *notifier {
	n := &notifier{
		conn:  conn,
		queue: make(chan string, notifyQueueSize),
		done:  make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	defer n.conn.Close()
	for msg := range n.queue {
		_ = n.conn.SetWriteDeadline(time.Now().Add(notifyWriteTimeout))
		if _, err := fmt.Fprintf(n.conn, "%s\r\n", msg); err != nil {
			// Keep draining so senders never block.
			for range n.queue {
			}
			return
		}
	}
}

func (n *notifier) deliver(msg string) {
	select {
	case n.queue <- msg:
	default:
	}
}

// close stops the notifier. Callers must not deliver afterwards.
func (n *notifier) close() {
	close(n.queue)
	<-n.done
}
