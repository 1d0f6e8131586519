package netclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Policy is a bounded exponential retry schedule.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Factor   float64
}

// Standard schedules.
var (
	ImagePolicy = Policy{Attempts: 3, Initial: time.Second, Factor: 2}
	NamesPolicy = Policy{Attempts: 3, Initial: 2 * time.Second, Factor: 2}
	DNSPolicy   = Policy{Attempts: 5, Initial: 10 * time.Second, Factor: 1.5}
)

// Delays lists the waits between attempts.
func (p Policy) Delays() []time.Duration {
	if p.Attempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.Attempts-1)
	b := newBackoff(p.Initial, p.Factor)
	for i := 1; i < p.Attempts; i++ {
		out = append(out, b.Next())
	}
	return out
}

type backoff struct {
	cur    time.Duration
	factor float64
}

func newBackoff(base time.Duration, factor float64) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if factor < 1 {
		factor = 1
	}
	return &backoff{cur: base, factor: factor}
}

// Next returns the current delay and advances by factor.
func (b *backoff) Next() time.Duration {
	d := b.cur
	b.cur = time.Duration(float64(b.cur) * b.factor)
	return d
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d", e.URL, e.StatusCode)
}

// IsClientError reports whether err is a 4xx response other than 429.
func IsClientError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
}

// IsDNSError reports whether err came from host resolution.
func IsDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsRetryable treats transport failures, 5xx and 429 as transient.
// Context cancellation and other 4xx are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// Retry runs fn until it succeeds, the policy is exhausted, retryable reports
// false or ctx ends. The last error is returned.
func (c *Client) Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	if retryable == nil {
		retryable = IsRetryable
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := newBackoff(p.Initial, p.Factor)
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d := b.Next()
			c.log.Debug().Err(err).Int("attempt", i+1).Dur("delay", d).Msg("retrying")
			if serr := c.sleep(ctx, d); serr != nil {
				return errors.Join(err, serr)
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}
