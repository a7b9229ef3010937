package ftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/fineftp/ftp/internal/ratelimit"
)

// throttle applies the client's bandwidth limit to the data connection.
func (c *Client) throttle(conn net.Conn) (io.Reader, io.Writer) {
	ctx := context.Background()
	return ratelimit.NewReader(ctx, conn, c.limiter), ratelimit.NewWriter(ctx, conn, c.limiter)
}

// Store uploads data from an io.Reader to the remote path.
// The transfer is performed in binary mode (TYPE I).
//
// The server accepts one upload at a time by default; a busy server
// answers with a temporary error (see ProtocolError.IsTemporary).
//
// Example:
//
//	file, err := os.Open("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = client.Store("remote.txt", file)
func (c *Client) Store(remotePath string, r io.Reader) error {
	return c.upload("STOR", remotePath, r)
}

// Append appends data from an io.Reader to an existing remote file.
func (c *Client) Append(remotePath string, r io.Reader) error {
	return c.upload("APPE", remotePath, r)
}

func (c *Client) upload(verb, remotePath string, r io.Reader) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	dataConn, err := c.cmdDataConn(verb, remotePath)
	if err != nil {
		return err
	}

	_, w := c.throttle(dataConn)
	_, copyErr := io.Copy(w, r)
	finishErr := c.finishDataConn(verb+" "+remotePath, dataConn)

	if copyErr != nil {
		return fmt.Errorf("upload failed: %w", copyErr)
	}
	return finishErr
}

// StoreFrom uploads a local file to the remote path.
// This is a convenience wrapper around Store.
func (c *Client) StoreFrom(remotePath, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	return c.Store(remotePath, file)
}

// Retrieve downloads data from the remote path to an io.Writer.
// The transfer is performed in binary mode (TYPE I).
func (c *Client) Retrieve(remotePath string, w io.Writer) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	dataConn, err := c.cmdDataConn("RETR", remotePath)
	if err != nil {
		return err
	}

	r, _ := c.throttle(dataConn)
	_, copyErr := io.Copy(w, r)
	finishErr := c.finishDataConn("RETR "+remotePath, dataConn)

	if copyErr != nil {
		return fmt.Errorf("download failed: %w", copyErr)
	}
	return finishErr
}

// RetrieveTo downloads a remote file to a local path.
// This is a convenience wrapper around Retrieve.
func (c *Client) RetrieveTo(remotePath, localPath string) error {
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	err = c.Retrieve(remotePath, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return err
}
