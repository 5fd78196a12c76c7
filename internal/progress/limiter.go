package progress

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Unlimited disables bandwidth limiting when passed to NewLimiter.
const Unlimited = 0

// Limiter is a bandwidth cap shared by every transfer that wraps its reader
// with it. A nil Limiter does not limit.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter returns a limiter allowing bytesPerSecond across all readers, or
// nil for Unlimited.
func NewLimiter(bytesPerSecond int) *Limiter {
	if bytesPerSecond <= Unlimited {
		return nil
	}

	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

// Reader returns r throttled by the limiter. Waiting honors ctx.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil {
		return r
	}

	return &limitedReader{ctx: ctx, r: r, limiter: l.limiter}
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	// WaitN rejects requests larger than the burst.
	if burst := lr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.limiter.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}
