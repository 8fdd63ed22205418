package sender

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Backoff configures reconnection delays: Base * Multiplier^(attempt-1),
// capped at Max, spread by ±Jitter. MaxRetries 0 retries forever.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before attempt (1-based). rnd yields values in
// [0,1); nil disables jitter.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if rnd != nil && b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*rnd()-1)
	}
	switch {
	case math.IsNaN(d) || d <= 0:
		return 0
	case d >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RunWithReconnect keeps p connected until ctx is done. A failed Connect
// is retried with backoff; a dropped connection is redialed at once and
// resets the attempt counter.
func RunWithReconnect(ctx context.Context, p *Peer, b Backoff, clk clock.Clock, logger zerolog.Logger) error {
	if clk == nil {
		clk = clock.New()
	}
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := p.Connect(ctx)
		if err == nil {
			attempt = 0
			logger.Info().Str("url", p.URL()).Msg("connected")
			select {
			case <-p.Done():
				logger.Warn().Err(p.Err()).Msg("connection lost")
				continue
			case <-ctx.Done():
				_ = p.Close()
				return ctx.Err()
			}
		}

		attempt++
		if b.MaxRetries > 0 && attempt > b.MaxRetries {
			return fmt.Errorf("max retries exceeded (%d attempts): %w", b.MaxRetries, err)
		}
		delay := b.Delay(attempt, rand.Float64)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connect failed, retrying")
		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
