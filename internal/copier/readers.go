package copier

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// rateLimitedReader wraps another io.Reader and enforces a bandwidth cap on
// Read, grounded on the teacher's agent/ratelimitedreader.go.
type rateLimitedReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

func newRateLimitedReader(r io.Reader, ctx context.Context, limiter *rate.Limiter) io.Reader {
	return &rateLimitedReader{ctx: ctx, reader: r, limiter: limiter}
}

func (rlr *rateLimitedReader) Read(buf []byte) (int, error) {
	n, err := rlr.reader.Read(buf)
	if n > 0 {
		if werr := rlr.limiter.WaitN(rlr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// semAcquiringReader wraps another io.Reader and limits the number of
// concurrent Read calls sharing sem, grounded on the teacher's
// agent/tasks/copy/semacquiringreader.go.
type semAcquiringReader struct {
	reader io.Reader
	ctx    context.Context
	sem    *semaphore.Weighted
}

func newSemAcquiringReader(r io.Reader, ctx context.Context, sem *semaphore.Weighted) io.Reader {
	return &semAcquiringReader{reader: r, ctx: ctx, sem: sem}
}

func (sar *semAcquiringReader) Read(buf []byte) (int, error) {
	if err := sar.sem.Acquire(sar.ctx, 1); err != nil {
		return 0, err
	}
	defer sar.sem.Release(1)
	return sar.reader.Read(buf)
}
