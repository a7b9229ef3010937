package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// errChannelConsumed is returned by acceptOnce on a channel that already
// accepted its peer.
var errChannelConsumed = errors.New("data channel already consumed")

// dataChannel is one passive-mode listening endpoint. It accepts exactly
// one peer and is then unusable until a new channel is opened.
type dataChannel struct {
	ln   net.Listener
	port int

	mu       sync.Mutex
	conn     net.Conn
	consumed bool
	closed   bool
}

// openDataChannel binds a new listening endpoint using listen.
func openDataChannel(listen func() (net.Listener, error)) (*dataChannel, error) {
	ln, err := listen()
	if err != nil {
		return nil, err
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &dataChannel{ln: ln, port: port}, nil
}

// Port returns the listening port.
func (d *dataChannel) Port() int {
	return d.port
}

// acceptOnce waits up to timeout for the single peer connection.
// The listener is closed once a peer is accepted or the wait fails.
func (d *dataChannel) acceptOnce(timeout time.Duration) (net.Conn, error) {
	d.mu.Lock()
	if d.consumed || d.closed {
		d.mu.Unlock()
		return nil, errChannelConsumed
	}
	d.consumed = true
	ln := d.ln
	d.mu.Unlock()

	if tl, ok := ln.(*net.TCPListener); ok && timeout > 0 {
		_ = tl.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := ln.Accept()
	_ = ln.Close()
	if err != nil {
		return nil, fmt.Errorf("accept data connection: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		conn.Close()
		return nil, net.ErrClosed
	}
	d.conn = conn
	return conn, nil
}

// close releases the listener and any accepted connection.
// It is safe to call more than once and from any goroutine.
func (d *dataChannel) close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn := d.conn
	d.mu.Unlock()

	var result *multierror.Error
	if err := d.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// passiveListener binds passive endpoints for the server, honouring the
// configured port range with a round-robin starting offset.
type passiveListener struct {
	minPort, maxPort int
	next             atomic.Int32
}

func (p *passiveListener) listen(host string) (net.Listener, error) {
	if p.minPort > 0 && p.maxPort >= p.minPort {
		rangeLen := int32(p.maxPort - p.minPort + 1)
		start := p.next.Add(1)
		for i := int32(0); i < rangeLen; i++ {
			port := p.minPort + int((start+i)%rangeLen)
			ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err == nil {
				return ln, nil
			}
		}
		return nil, fmt.Errorf("no available ports in range [%d, %d]", p.minPort, p.maxPort)
	}
	return net.Listen("tcp", net.JoinHostPort(host, "0"))
}

// passiveAddress formats the 227 reply body "(h1,h2,h3,h4,p1,p2)".
// Non-IPv4 addresses are advertised as 0,0,0,0.
func passiveAddress(ip net.IP, port int) string {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	return fmt.Sprintf("(%d,%d,%d,%d,%d,%d)", v4[0], v4[1], v4[2], v4[3], port/256, port%256)
}
