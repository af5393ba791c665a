package providers

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/conductor-run/conductor/internal/conderr"
)

// RetryPolicy is the shared backoff policy used by every adapter for
// both the streaming and non-streaming call paths (spec §4.4).
type RetryPolicy struct {
	// MaxAttempts caps the number of attempts, including the first.
	// Default 5, per spec's "a small cap (e.g., <=5 attempts)".
	MaxAttempts int
	// BaseDelay is the backoff unit; attempt N waits
	// BaseDelay * 2^(N-1) plus jitter.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff before jitter is applied.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the teacher's own defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 5
	}
	return p.MaxAttempts
}

// Attempts exposes the effective attempt cap to adapters that can't
// express their retry loop through RetryStreamConnect (Gemini's fused
// connect+consume iterator, for one) and so hand-roll it instead.
func (p RetryPolicy) Attempts() int { return p.attempts() }

// Delay exposes the effective backoff delay for the same reason as
// Attempts.
func (p RetryPolicy) Delay(attempt int) time.Duration { return p.delay(attempt) }

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// IsRetryable classifies err per spec §4.4: transient network errors,
// 5xx, and provider-declared overload are retryable; authentication,
// permission, and malformed-request (4xx other than 429) are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := conderr.KindOf(err); ok {
		return kind == conderr.Transient
	}
	return false
}

// ClassifyHTTPStatus maps an HTTP status code from a backend to a
// conderr.Kind, used by every adapter's error-wrapping code so the
// retry/authentication/configuration split is identical across backends.
func ClassifyHTTPStatus(status int) conderr.Kind {
	switch {
	case status == 401 || status == 403:
		return conderr.Authentication
	case status == 429:
		return conderr.Transient
	case status >= 500:
		return conderr.Transient
	case status >= 400:
		return conderr.Protocol
	default:
		return conderr.Transient
	}
}

// RetryNonStreaming retries attempt (a full request/response round trip)
// according to policy, respecting cancel and ctx. It is legal to retry
// every attempt here because nothing has been observed by the caller
// until attempt returns successfully.
func RetryNonStreaming(ctx context.Context, policy RetryPolicy, cancel <-chan struct{}, attempt func(n int) (*ProviderResponse, error)) (*ProviderResponse, error) {
	var lastErr error
	for n := 1; n <= policy.attempts(); n++ {
		select {
		case <-cancel:
			return nil, conderr.ErrCancelled
		case <-ctx.Done():
			return nil, conderr.Wrap(conderr.Cancelled, ctx.Err(), "context done")
		default:
		}

		resp, err := attempt(n)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || n == policy.attempts() {
			return nil, err
		}

		select {
		case <-time.After(policy.delay(n)):
		case <-cancel:
			return nil, conderr.ErrCancelled
		case <-ctx.Done():
			return nil, conderr.Wrap(conderr.Cancelled, ctx.Err(), "context done")
		}
	}
	return nil, lastErr
}

// StreamConnector establishes a streaming call and returns something the
// caller can pump for events; exactly what that something is is left to
// the adapter (an SSE stream, an HTTP response body, ...), represented
// here only by the error it may return so this helper stays generic.
//
// StreamGuard enforces spec §4.4's critical invariant: "once the stream
// has begun emitting tokens, the response is either completed or failed
// — never retried." Adapters call Connect() in a loop (retryable) until
// it succeeds, then call MarkFirstByte() the moment they observe the
// first content delta, after which any later failure must NOT re-invoke
// Connect.
type StreamGuard struct {
	firstByteSeen bool
}

// MarkFirstByte records that streaming content has begun. Once called,
// CanRetry always returns false.
func (g *StreamGuard) MarkFirstByte() { g.firstByteSeen = true }

// CanRetry reports whether a connect failure may still be retried.
func (g *StreamGuard) CanRetry() bool { return !g.firstByteSeen }

// RetryStreamConnect retries only the connection-establishment phase of a
// streaming call — never the consumption phase — per StreamGuard's
// invariant. connect should perform whatever work is needed to either
// start receiving server-sent events or fail outright; it must not
// consume any content before returning.
func RetryStreamConnect[T any](ctx context.Context, policy RetryPolicy, cancel <-chan struct{}, connect func(n int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for n := 1; n <= policy.attempts(); n++ {
		select {
		case <-cancel:
			return zero, conderr.ErrCancelled
		case <-ctx.Done():
			return zero, conderr.Wrap(conderr.Cancelled, ctx.Err(), "context done")
		default:
		}

		v, err := connect(n)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetryable(err) || n == policy.attempts() {
			return zero, err
		}
		select {
		case <-time.After(policy.delay(n)):
		case <-cancel:
			return zero, conderr.ErrCancelled
		case <-ctx.Done():
			return zero, conderr.Wrap(conderr.Cancelled, ctx.Err(), "context done")
		}
	}
	return zero, lastErr
}
