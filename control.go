package ftp

import (
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"
)

// Response represents an FTP server response.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550)
	Code int

	// Message is the text after the code; lines of a multi-line reply are
	// joined with "\n"
	Message string
}

// Is1xx reports a preliminary reply, such as 150 before a transfer.
func (r *Response) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the response code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the response code is in the 4xx range (temporary failure).
func (r *Response) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the response code is in the 5xx range (permanent failure).
func (r *Response) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// String returns the response as the server sent it.
func (r *Response) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// readResponse reads one reply, single- or multi-line. The caller holds mu.
func (c *Client) readResponse() (*Response, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	code, msg, err := c.text.ReadResponse(0)
	if err != nil {
		// ReadResponse reports a parsed reply with an unexpected code as
		// *textproto.Error; with expectCode 0 that only happens for
		// malformed continuation lines.
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		return nil, err
	}

	c.logger.Debug("ftp response", "code", code, "message", msg)
	return &Response{Code: code, Message: msg}, nil
}

// sendCommand sends an FTP command and returns the response.
func (c *Client) sendCommand(command string, args ...string) (*Response, error) {
	line := command
	if len(args) > 0 {
		line = command + " " + strings.Join(args, " ")
	}
	if strings.ContainsAny(line, "\r\n") {
		return nil, fmt.Errorf("ftp: command contains a line break: %q", command)
	}

	logged := line
	if command == "PASS" {
		logged = "PASS ***"
	}
	c.logger.Debug("ftp command", "cmd", logged)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if err := c.text.PrintfLine("%s", line); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	resp, err := c.readResponse()
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

// expectCode sends a command and verifies the response code matches the expected code.
func (c *Client) expectCode(expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}
	if resp.Code != expectedCode {
		return resp, newProtocolError(command, args, resp)
	}
	return resp, nil
}

// expect2xx sends a command and verifies the response is in the 2xx range (success).
func (c *Client) expect2xx(command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}
	if !resp.Is2xx() {
		return resp, newProtocolError(command, args, resp)
	}
	return resp, nil
}
