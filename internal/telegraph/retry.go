package telegraph

import (
	"context"
	"log"
	"time"
)

// RetryPolicy bounds how a platform call is retried while the platform
// reports that the bot is rate limited.
type RetryPolicy struct {
	Platform string // log prefix
	Retries  int
	Base     time.Duration // first wait when the platform gives no hint
	Max      time.Duration
}

// Throttled inspects an error from a platform call. It reports whether the
// call was rate limited and, when known, how long the platform asked to wait.
type Throttled func(err error) (wait time.Duration, limited bool)

// Do runs call until it succeeds, fails with a non rate limit error, or the
// retries are spent. Waits honour the platform hint and otherwise double from
// Base up to Max.
func (p RetryPolicy) Do(ctx context.Context, throttled Throttled, call func() error) error {
	backoff := p.Base
	for attempt := 0; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		hint, limited := throttled(err)
		if !limited || attempt >= p.Retries {
			return err
		}

		wait := hint
		if wait <= 0 {
			wait = backoff
			backoff *= 2
		}
		if p.Max > 0 && wait > p.Max {
			wait = p.Max
		}
		log.Printf("%s: rate limited, retry %d/%d in %v", p.Platform, attempt+1, p.Retries, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
