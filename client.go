package ftp

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fineftp/ftp/internal/ratelimit"
)

// Client represents an FTP client connection.
type Client struct {
	// conn is the underlying network connection (control channel)
	conn net.Conn

	// text reads and writes control lines on conn
	text *textproto.Conn

	// timeout is the timeout for operations
	timeout time.Duration

	// logger is used for debug logging
	logger *slog.Logger

	// dialer is used to establish connections
	dialer *net.Dialer

	// host and port for the connection
	host string
	port string

	// limiter throttles data transfers; nil means unlimited
	limiter *ratelimit.Limiter

	// currentType tracks the current transfer type to avoid redundant TYPE commands
	currentType string

	// mu serialises command/response exchanges
	mu sync.Mutex

	// closeOnce guards the control connection teardown
	closeOnce sync.Once
}

// Dial connects to an FTP server at the given address.
// The address should be in the form "host:port".
//
// Example:
//
//	client, err := ftp.Dial("localhost:2121", ftp.WithTimeout(10*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
func Dial(addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
		dialer:  &net.Dialer{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if c.dialer.Timeout == 0 {
		c.dialer.Timeout = c.timeout
	}

	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// connect opens the control connection and reads the greeting.
func (c *Client) connect() error {
	conn, err := c.dialer.Dial("tcp", net.JoinHostPort(c.host, c.port))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.text = textproto.NewConn(conn)

	c.mu.Lock()
	resp, err := c.readResponse()
	c.mu.Unlock()
	if err != nil {
		c.close()
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	if resp.Code != 220 {
		c.close()
		return &ProtocolError{Command: "connect", Response: resp.Message, Code: resp.Code}
	}
	c.logger.Debug("ftp connected", "addr", conn.RemoteAddr().String(), "greeting", resp.Message)
	return nil
}

// Login authenticates with the server using USER and PASS.
func (c *Client) Login(username, password string) error {
	return c.authenticate("USER", username, password)
}

// SignUp creates an account on the server and logs into it. The server
// must have sign-up enabled.
func (c *Client) SignUp(username, password string) error {
	return c.authenticate("UADD", username, password)
}

func (c *Client) authenticate(verb, username, password string) error {
	resp, err := c.sendCommand(verb, username)
	if err != nil {
		return err
	}
	switch resp.Code {
	case 230:
		return nil
	case 331:
	default:
		return &ProtocolError{Command: verb, Response: resp.Message, Code: resp.Code}
	}

	_, err = c.expectCode(230, "PASS", password)
	return err
}

// Quit sends QUIT and closes the control connection. The server answers
// QUIT only after transfers still running have reported.
func (c *Client) Quit() error {
	defer c.close()
	_, err := c.expectCode(221, "QUIT")
	return err
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		_ = c.text.Close()
	})
}

// Type sets the transfer type: "A" for ASCII or "I" for binary.
func (c *Client) Type(transferType string) error {
	c.mu.Lock()
	current := c.currentType
	c.mu.Unlock()
	if current == transferType {
		return nil
	}

	if _, err := c.expect2xx("TYPE", transferType); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentType = transferType
	c.mu.Unlock()
	return nil
}

// Syst returns the server's system type, for example "UNIX Type: L8".
func (c *Client) Syst() (string, error) {
	resp, err := c.expectCode(215, "SYST")
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Noop sends a NOOP command to the server.
func (c *Client) Noop() error {
	_, err := c.expect2xx("NOOP")
	return err
}

// Quote sends a raw command and returns the server's reply without
// checking its code.
func (c *Client) Quote(command string, args ...string) (*Response, error) {
	return c.sendCommand(strings.ToUpper(command), args...)
}

// UploadFile uploads a local file, reporting progress through cb when it
// is not nil.
func (c *Client) UploadFile(localPath, remotePath string, cb func(bytesTransferred int64)) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if cb != nil {
		r = &ProgressReader{Reader: file, Callback: cb}
	}
	return c.Store(remotePath, r)
}

// DownloadFile downloads a remote file, reporting progress through cb
// when it is not nil. The local file is removed if the download fails.
func (c *Client) DownloadFile(remotePath, localPath string, cb func(bytesTransferred int64)) error {
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	var w io.Writer = file
	if cb != nil {
		w = &ProgressWriter{Writer: file, Callback: cb}
	}
	err = c.Retrieve(remotePath, w)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return err
	}
	return nil
}
