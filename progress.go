package ftp

import (
	"io"
	"sync/atomic"
)

// ProgressReader wraps an io.Reader and reports progress via a callback.
type ProgressReader struct {
	// Reader is the underlying reader
	Reader io.Reader

	// Callback is called after each Read with the total bytes transferred
	Callback func(bytesTransferred int64)

	total atomic.Int64
}

// Read implements io.Reader.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		total := pr.total.Add(int64(n))
		if pr.Callback != nil {
			pr.Callback(total)
		}
	}
	return n, err
}

// Total returns the bytes read so far. It may be called from another
// goroutine while the transfer runs.
func (pr *ProgressReader) Total() int64 { return pr.total.Load() }

// ProgressWriter wraps an io.Writer and reports progress via a callback.
type ProgressWriter struct {
	// Writer is the underlying writer
	Writer io.Writer

	// Callback is called after each Write with the total bytes transferred
	Callback func(bytesTransferred int64)

	total atomic.Int64
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		total := pw.total.Add(int64(n))
		if pw.Callback != nil {
			pw.Callback(total)
		}
	}
	return n, err
}

// Total returns the bytes written so far.
func (pw *ProgressWriter) Total() int64 { return pw.total.Load() }
