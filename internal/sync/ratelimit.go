package sync

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// RateLimited wraps p so every FetchBatch first waits on limiter.
// A nil limiter returns p unchanged.
func RateLimited(p MailProvider, limiter *rate.Limiter) MailProvider {
	if limiter == nil {
		return p
	}
	return &rateLimitedProvider{MailProvider: p, limiter: limiter}
}

type rateLimitedProvider struct {
	MailProvider
	limiter *rate.Limiter
}

func (p *rateLimitedProvider) FetchBatch(ctx context.Context, maxSize int, cursor Cursor) (Batch, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Batch{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return p.MailProvider.FetchBatch(ctx, maxSize, cursor)
}

func (p *rateLimitedProvider) Close() error {
	if c, ok := p.MailProvider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
