// Package ratelimit throttles transfer streams in bytes per second.
//
// It is shared by the FTP client and server. Limiters are built on
// golang.org/x/time/rate and can be stacked, so one stream can be bound by
// both a per-transfer limit and a server-wide limit.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurst caps the token bucket size and therefore the largest piece of
// data moved in one step.
const maxBurst = 64 * 1024

// Limiter is a bytes-per-second token bucket. A nil *Limiter means
// unlimited and is accepted everywhere.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter for bytesPerSecond, or nil when bytesPerSecond is
// not positive.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(min(bytesPerSecond, maxBurst))
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// Rate returns the configured rate in bytes per second.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

func (l *Limiter) burst() int {
	return l.lim.Burst()
}

// wait blocks until n bytes may pass every limiter or ctx is done.
func wait(ctx context.Context, limiters []*Limiter, n int) error {
	for _, l := range limiters {
		if err := l.lim.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// step returns the largest piece that fits every limiter's bucket.
func step(limiters []*Limiter, n int) int {
	for _, l := range limiters {
		n = min(n, l.burst())
	}
	return n
}

func active(limiters []*Limiter) []*Limiter {
	var out []*Limiter
	for _, l := range limiters {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

type reader struct {
	ctx      context.Context
	r        io.Reader
	limiters []*Limiter
}

// NewReader returns r throttled by every non-nil limiter. If all limiters
// are nil, r is returned unchanged.
func NewReader(ctx context.Context, r io.Reader, limiters ...*Limiter) io.Reader {
	limiters = active(limiters)
	if len(limiters) == 0 {
		return r
	}
	return &reader{ctx: ctx, r: r, limiters: limiters}
}

// Read reads at most one bucket's worth and charges the bytes it got.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	p = p[:step(r.limiters, len(p))]
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := wait(r.ctx, r.limiters, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type writer struct {
	ctx      context.Context
	w        io.Writer
	limiters []*Limiter
}

// NewWriter returns w throttled by every non-nil limiter. If all limiters
// are nil, w is returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiters ...*Limiter) io.Writer {
	limiters = active(limiters)
	if len(limiters) == 0 {
		return w
	}
	return &writer{ctx: ctx, w: w, limiters: limiters}
}

// Write splits p into bucket-sized pieces and waits for tokens before
// each one.
func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := step(w.limiters, len(p)-written)
		if err := wait(w.ctx, w.limiters, n); err != nil {
			return written, err
		}
		m, err := w.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
