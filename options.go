package ftp

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/fineftp/ftp/internal/ratelimit"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// WithTimeout sets the timeout for connection and operations.
// This applies to the initial connection, every reply, and each read or
// write on a data connection.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout < 0 {
			return errors.New("timeout cannot be negative")
		}
		c.timeout = timeout
		return nil
	}
}

// WithLogger sets the logger for debug output. Commands and replies are
// logged at Debug level; PASS arguments are masked.
//
// Example:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
//	client, _ := ftp.Dial("localhost:2121", ftp.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom dialer for control and data connections. A
// dialer without a Timeout gets the client timeout.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return errors.New("dialer cannot be nil")
		}
		c.dialer = dialer
		return nil
	}
}

// WithBandwidthLimit caps data transfers at bytesPerSecond. Zero means
// unlimited.
//
// Example:
//
//	// Limit to 1 MB/s
//	client, _ := ftp.Dial("localhost:2121", ftp.WithBandwidthLimit(1024*1024))
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		if bytesPerSecond < 0 {
			return errors.New("bandwidth limit cannot be negative")
		}
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}
