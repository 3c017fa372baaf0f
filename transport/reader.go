package transport

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// ProgressFunc receives the bytes sent so far out of total for one request body.
type ProgressFunc func(sent, total int64)

// bodyReader streams an in-memory request body, reporting progress and honouring the bandwidth limit.
type bodyReader struct {
	ctx        context.Context
	data       []byte
	offset     int
	limiter    *rate.Limiter
	onProgress ProgressFunc
}

func newBodyReader(ctx context.Context, data []byte, limiter *rate.Limiter, onProgress ProgressFunc) *bodyReader {
	return &bodyReader{
		ctx:        ctx,
		data:       data,
		limiter:    limiter,
		onProgress: onProgress,
	}
}

// Len lets retryablehttp size the request.
func (r *bodyReader) Len() int {
	return len(r.data) - r.offset
}

func (r *bodyReader) Read(p []byte) (int, error) {
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}

	n := len(r.data) - r.offset
	if n > len(p) {
		n = len(p)
	}
	if r.limiter != nil {
		if burst := r.limiter.Burst(); n > burst {
			n = burst
		}
		if err := r.limiter.WaitN(r.ctx, n); err != nil {
			return 0, err
		}
	}

	n = copy(p, r.data[r.offset:r.offset+n])
	r.offset += n
	if r.onProgress != nil {
		r.onProgress(int64(r.offset), int64(len(r.data)))
	}
	return n, nil
}
