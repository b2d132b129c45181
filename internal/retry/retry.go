package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy waits Multiplier*2^(n-1) before retry n, clamped to [Min, Max].
type Policy struct {
	Attempts   int
	Multiplier time.Duration
	Min        time.Duration
	Max        time.Duration
}

var (
	// Standard gives three attempts with 4s and 4s waits, capped at 10s.
	Standard = Policy{Attempts: 3, Multiplier: time.Second, Min: 4 * time.Second, Max: 10 * time.Second}
	// Quick gives two attempts one second apart.
	Quick = Policy{Attempts: 2, Multiplier: time.Second, Min: time.Second, Max: time.Second}
	// Once disables retries.
	Once = Policy{Attempts: 1}
)

func (p Policy) BackOff() backoff.BackOff {
	return &clamped{policy: p}
}

// Delay returns the wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	if n > 31 {
		d = p.Max
	} else {
		d = p.Multiplier * time.Duration(1<<(n-1))
		if d < 0 {
			d = p.Max
		}
	}
	if d < p.Min {
		d = p.Min
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

type clamped struct {
	policy Policy
	n      int
}

func (c *clamped) NextBackOff() time.Duration {
	c.n++
	return c.policy.Delay(c.n)
}

func (c *clamped) Reset() {
	c.n = 0
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type NotifyFunc func(err error, attempt int, wait time.Duration)

// Do calls fn until it succeeds, the policy's attempts run out, ctx is done,
// or fn returns a Permanent error. It returns the number of attempts made
// and the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, notify NotifyFunc) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var attempt int
	op := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.BackOff(), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempt, wait)
		}
	})
	return attempt, err
}
