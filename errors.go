package ftp

import (
	"errors"
	"fmt"
	"strings"
)

// ProtocolError is a reply the client did not expect, with the command
// that provoked it.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt").
	// PASS arguments are never recorded.
	Command string

	// Response is the reply text without the code
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

func newProtocolError(command string, args []string, resp *Response) *ProtocolError {
	if command != "PASS" && len(args) > 0 {
		command += " " + strings.Join(args, " ")
	}
	return &ProtocolError{Command: command, Response: resp.Message, Code: resp.Code}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %d %s", e.Command, e.Code, e.Response)
}

// IsTemporary returns true if the error is a transient failure (4xx),
// such as 450 when another client holds the upload slot. Callers may
// retry these.
func (e *ProtocolError) IsTemporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// ReplyCode returns the FTP reply code carried by err, or 0 when err is
// not a *ProtocolError.
func ReplyCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
