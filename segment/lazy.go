package segment

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Lazy builds the underlying Remover on first use and then shares it with
// every caller. A failed initialisation is retried on the next call; once
// it succeeds it is never run again.
type Lazy struct {
	mu      sync.Mutex
	init    func(ctx context.Context) (Remover, error)
	remover Remover
}

func NewLazy(init func(ctx context.Context) (Remover, error)) *Lazy {
	return &Lazy{init: init}
}

func (l *Lazy) get(ctx context.Context) (Remover, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.remover != nil {
		return l.remover, nil
	}
	r, err := l.init(ctx)
	if err != nil {
		return nil, err
	}
	l.remover = r
	return r, nil
}

func (l *Lazy) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	r, err := l.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("segmentation service unavailable: %w", err)
	}
	return r.Remove(ctx, img)
}

var (
	sharedOnce sync.Once
	shared     *Lazy
)

// Shared returns the process-wide remover backed by the U²-Net service at
// endpoint. Only the first call's arguments are used.
func Shared(endpoint string, timeout time.Duration) *Lazy {
	sharedOnce.Do(func() {
		shared = NewLazy(sharedInit(endpoint, timeout))
	})
	return shared
}

func sharedInit(endpoint string, timeout time.Duration) func(ctx context.Context) (Remover, error) {
	return func(ctx context.Context) (Remover, error) {
		u := NewU2Net(endpoint, timeout)
		start := time.Now()
		if err := u.Ping(ctx); err != nil {
			return nil, err
		}
		log.Info().
			Str("component", "segment").
			Str("endpoint", endpoint).
			Dur("warmup", time.Since(start)).
			Msg("segmentation service ready")
		return u, nil
	}
}
