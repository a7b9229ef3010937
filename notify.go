package ftp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Notifications asks the server for its roster feed (NOTI). The client
// listens on port (0 picks a free one) on the control connection's local
// address and the server connects back to it. Lines such as
// "bob logged in" arrive on the returned channel, which is closed when
// ctx is done or the server drops the feed.
//
// The feed is best effort: if the server cannot reach the listener, the
// channel is closed without delivering anything once ctx is done.
func (c *Client) Notifications(ctx context.Context, port int) (<-chan string, error) {
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("failed to determine local address: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to open notification listener: %w", err)
	}
	_, actual, _ := net.SplitHostPort(ln.Addr().String())

	if _, err := c.expect2xx("NOTI", actual); err != nil {
		ln.Close()
		return nil, err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		stop := context.AfterFunc(ctx, func() { ln.Close() })
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			stop()
			return
		}
		defer conn.Close()
		context.AfterFunc(ctx, func() { conn.Close() })

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimRight(scanner.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines, nil
}
