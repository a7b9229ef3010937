package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// chunkSize is the size of one transfer block.
	chunkSize = 1 << 20

	// readAhead bounds the blocks one transfer holds at once, counting the
	// block being filled and the block being written.
	readAhead = 3
)

var (
	// errFileIO tags failures on the file side of a transfer.
	errFileIO = errors.New("file i/o")

	// errDataConn tags failures on the data connection side of a transfer.
	errDataConn = errors.New("data connection")
)

var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, chunkSize)
		return &b
	},
}

// chunk is one block in flight. A closed queue marks end of stream.
type chunk struct {
	buf *[]byte
	n   int
}

func (c chunk) bytes() []byte {
	return (*c.buf)[:c.n]
}

func releaseChunks(queue <-chan chunk) {
	for c := range queue {
		chunkPool.Put(c.buf)
	}
}

// sendStream copies src (a file or listing) to dst (the data connection).
//
// A single reader stays up to readAhead blocks ahead of a single writer, so
// disk reads overlap network writes while each side stays strictly ordered.
// abort, if not nil, runs when the transfer is cancelled or fails so that a
// blocked read or write on the connection returns.
// The returned count is the number of bytes written to dst.
func sendStream(ctx context.Context, dst io.Writer, src io.Reader, abort func()) (int64, error) {
	g, ctx := errgroup.WithContext(ctx)
	if abort != nil {
		defer context.AfterFunc(ctx, abort)()
	}
	queue := make(chan chunk, readAhead-2)
	var sent int64

	g.Go(func() error {
		defer close(queue)
		for {
			buf := chunkPool.Get().(*[]byte)
			n, err := io.ReadFull(src, *buf)
			if n > 0 {
				select {
				case queue <- chunk{buf: buf, n: n}:
				case <-ctx.Done():
					chunkPool.Put(buf)
					return nil
				}
			} else {
				chunkPool.Put(buf)
			}
			switch {
			case err == io.EOF || err == io.ErrUnexpectedEOF:
				return nil
			case err != nil:
				return fmt.Errorf("%w: %w", errFileIO, err)
			}
		}
	})

	g.Go(func() error {
		for c := range queue {
			n, err := dst.Write(c.bytes())
			chunkPool.Put(c.buf)
			sent += int64(n)
			if err != nil {
				return fmt.Errorf("%w: %w", errDataConn, err)
			}
		}
		return nil
	})

	err := g.Wait()
	releaseChunks(queue)
	return sent, err
}

// receiveStream copies src (the data connection) to dst (a file).
//
// The next socket read overlaps the previous file write. End of stream and
// socket errors both end the upload normally once everything received so
// far has been written; only file errors are reported.
// The returned count is the number of bytes written to dst.
func receiveStream(ctx context.Context, dst io.Writer, src io.Reader, abort func()) (int64, error) {
	g, ctx := errgroup.WithContext(ctx)
	if abort != nil {
		defer context.AfterFunc(ctx, abort)()
	}
	queue := make(chan chunk, readAhead-2)
	var written int64

	g.Go(func() error {
		defer close(queue)
		for {
			buf := chunkPool.Get().(*[]byte)
			n, err := src.Read(*buf)
			if n > 0 {
				select {
				case queue <- chunk{buf: buf, n: n}:
				case <-ctx.Done():
					chunkPool.Put(buf)
					return nil
				}
			} else {
				chunkPool.Put(buf)
			}
			if err != nil {
				return nil
			}
		}
	})

	g.Go(func() error {
		for c := range queue {
			n, err := dst.Write(c.bytes())
			chunkPool.Put(c.buf)
			written += int64(n)
			if err != nil {
				return fmt.Errorf("%w: %w", errFileIO, err)
			}
		}
		return nil
	})

	err := g.Wait()
	releaseChunks(queue)
	return written, err
}
