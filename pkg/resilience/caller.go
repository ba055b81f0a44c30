/**
 * @description
 * Resilient HTTP caller used by the broker consumers for outbound writes.
 * Policies are layered outermost to innermost: overall timeout, retry with
 * exponential backoff, circuit breaker, per-attempt timeout.
 *
 * @dependencies
 * - github.com/cenkalti/backoff/v4: Deterministic exponential retry schedule.
 * - github.com/sony/gobreaker: Consecutive-failure circuit breaker.
 *
 * @notes
 * - Network errors, 408, 429 and 5xx are retried and count toward the breaker.
 * - Other 4xx responses are returned at once as *StatusError and leave the
 *   breaker untouched.
 * - An open breaker fails fast with ErrCircuitOpen; it is not retried.
 */
package resilience

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Policy configures one Caller.
type Policy struct {
	Timeout          time.Duration
	AttemptTimeout   time.Duration
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	FailureThreshold uint32
	Interval         time.Duration
	OpenTimeout      time.Duration
}

// DefaultPolicy returns 30s timeouts, 3 retries growing 2s/4s/8s and a
// breaker that opens after 5 consecutive failures for 30s.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:          30 * time.Second,
		AttemptTimeout:   30 * time.Second,
		MaxRetries:       3,
		BaseDelay:        2 * time.Second,
		MaxDelay:         time.Minute,
		FailureThreshold: 5,
		Interval:         time.Minute,
		OpenTimeout:      30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = p.Timeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay << 4
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.OpenTimeout <= 0 {
		p.OpenTimeout = d.OpenTimeout
	}
	return p
}

// RequestFunc builds a fresh request for every attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Caller executes HTTP requests under a Policy. It is safe for concurrent use.
type Caller struct {
	name    string
	client  *http.Client
	policy  Policy
	breaker *gobreaker.CircuitBreaker
}

// NewCaller creates a caller with its own circuit breaker.
func NewCaller(name string, client *http.Client, policy Policy) *Caller {
	if client == nil {
		client = &http.Client{}
	}
	policy = policy.withDefaults()

	c := &Caller{name: name, client: client, policy: policy}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    policy.Interval,
		Timeout:     policy.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("level=warn component=resilience msg=\"circuit state changed\" caller=%s from=%s to=%s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
	})
	return c
}

// State exposes the breaker state for health reporting.
func (c *Caller) State() gobreaker.State {
	return c.breaker.State()
}

// Do runs newRequest under the policy. On success the caller owns the
// response body and must close it.
func (c *Caller) Do(ctx context.Context, newRequest RequestFunc) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.policy.Timeout)

	var (
		resp     *http.Response
		attempts int
	)
	operation := func() error {
		attempts++
		r, err := c.attempt(ctx, newRequest)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("level=warn component=resilience msg=\"retrying call\" caller=%s attempt=%d wait=%s err=%v", c.name, attempts, wait, err)
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.policy.MaxRetries)), ctx)
	if err := backoff.RetryNotify(operation, schedule, notify); err != nil {
		cancel()
		return nil, c.surface(err, attempts)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Caller) attempt(ctx context.Context, newRequest RequestFunc) (*http.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
		req, err := newRequest(attemptCtx)
		if err != nil {
			cancel()
			return nil, &requestError{err: err}
		}
		resp, err := c.client.Do(req)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Err: err}
		}
		if isTransientStatus(resp.StatusCode) {
			statusErr := newStatusError(resp)
			cancel()
			return nil, statusErr
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, backoff.Permanent(ErrCircuitOpen)
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		}
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return nil, backoff.Permanent(reqErr.err)
		}
		return nil, err
	}

	resp := result.(*http.Response)
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, backoff.Permanent(newStatusError(resp))
	}
	return resp, nil
}

func (c *Caller) surface(err error, attempts int) error {
	switch {
	case errors.Is(err, ErrCircuitOpen), IsNonRetryable(err):
		return err
	case IsRetryable(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &ExhaustedError{Attempts: attempts, Err: err}
	default:
		return err
	}
}

func (c *Caller) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.policy.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func countsAsFailure(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Retryable()
}

type requestError struct {
	err error
}

func (e *requestError) Error() string { return "build request: " + e.err.Error() }

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
