package ftp

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

// pasvRegex matches the PASV response format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
var pasvRegex = regexp.MustCompile(`\((\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3})\)`)

// parsePASV parses a PASV response and returns the host and port.
// Example: "Entering Passive Mode (192,168,1,1,195,149)."
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV response: %q", response)
	}

	var n [6]int
	for i := range n {
		v, err := strconv.Atoi(matches[i+1])
		if err != nil || v > 255 {
			return "", fmt.Errorf("invalid PASV field %q in %q", matches[i+1], response)
		}
		n[i] = v
	}

	host := net.IPv4(byte(n[0]), byte(n[1]), byte(n[2]), byte(n[3])).String()
	port := n[4]*256 + n[5]
	if port == 0 {
		return "", fmt.Errorf("invalid PASV port 0 in %q", response)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// resolveDataAddr resolves the data connection address.
// If the PASV response contains 0.0.0.0, it replaces it with the control connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// deadlineConn extends the deadline before every read and write, so the
// timeout bounds a stalled transfer rather than a long one.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (d *deadlineConn) Read(p []byte) (int, error) {
	if err := d.Conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.Conn.Read(p)
}

func (d *deadlineConn) Write(p []byte) (int, error) {
	if err := d.Conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.Conn.Write(p)
}

// openDataConn asks the server for a passive endpoint and connects to it.
func (c *Client) openDataConn() (net.Conn, error) {
	resp, err := c.expectCode(227, "PASV")
	if err != nil {
		return nil, err
	}

	addr, err := parsePASV(resp.Message)
	if err != nil {
		return nil, err
	}
	addr = resolveDataAddr(addr, c.host)

	dataConn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}
	if c.timeout > 0 {
		return &deadlineConn{Conn: dataConn, timeout: c.timeout}, nil
	}
	return dataConn, nil
}

// cmdDataConn executes a command that requires a data connection. It
// opens the data connection, sends the command and waits for the 150
// preliminary reply. The caller must hand the connection to
// finishDataConn.
func (c *Client) cmdDataConn(cmd string, args ...string) (net.Conn, error) {
	dataConn, err := c.openDataConn()
	if err != nil {
		return nil, err
	}

	resp, err := c.sendCommand(cmd, args...)
	if err != nil {
		dataConn.Close()
		return nil, err
	}
	if !resp.Is1xx() {
		dataConn.Close()
		return nil, newProtocolError(cmd, args, resp)
	}
	return dataConn, nil
}

// finishDataConn closes the data connection and reads the final response.
// This should be called after the data transfer is complete.
func (c *Client) finishDataConn(cmd string, dataConn net.Conn) error {
	closeErr := dataConn.Close()

	c.mu.Lock()
	resp, err := c.readResponse()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}
	if !resp.Is2xx() {
		return newProtocolError(cmd, nil, resp)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close data connection: %w", closeErr)
	}
	return nil
}
