package ddc

import (
	"context"
	"sync"
	"time"
)

// pacer serializes transactions on one display and keeps them at least
// TransactionDelay apart.
type pacer struct {
	mu    sync.Mutex
	gap   time.Duration
	last  time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newPacer(gap time.Duration) *pacer {
	return &pacer{gap: gap, sleep: sleepCtx}
}

// do runs fn as one transaction. The context only bounds the wait before the
// transaction starts; once fn runs it is not interrupted.
func (p *pacer) do(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.last.IsZero() {
		if wait := p.gap - time.Since(p.last); wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	defer func() { p.last = time.Now() }()
	return fn()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
