// Package retry runs operations under a bounded backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the delay between retries.
	Max time.Duration
	// Exponential doubles the delay after each retry; otherwise the delay
	// stays at Base.
	Exponential bool
}

var (
	Transport = Policy{Attempts: 3, Base: 100 * time.Millisecond, Max: time.Second, Exponential: true}
	Protocol  = Policy{Attempts: 2, Base: 50 * time.Millisecond, Max: 200 * time.Millisecond}
	Crypto    = Policy{Attempts: 3, Base: 10 * time.Millisecond, Max: 100 * time.Millisecond, Exponential: true}
	Storage   = Policy{Attempts: 5, Base: 20 * time.Millisecond, Max: 500 * time.Millisecond, Exponential: true}

	// Once runs the operation a single time.
	Once = Policy{Attempts: 1}
)

// Timeouts applied by callers around whole operations.
const (
	UserPresenceTimeout = 30 * time.Second
	ProtocolTimeout     = 30 * time.Second
	CryptoTimeout       = 10 * time.Second
	TransportTimeout    = 5 * time.Second
)

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Base
		eb.MaxInterval = p.Max
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	} else {
		delay := p.Base
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
		b = backoff.NewConstantBackOff(delay)
	}

	retries := 0
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do calls op until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. The last error is returned.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(op, p.backOff(ctx))
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func() error) error {
	return backoff.Retry(op, p.backOff(ctx))
}

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
