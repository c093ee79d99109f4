// Package retry holds the caller-owned backoff policy for vendor call-control requests.
package retry

import (
	"context"
	"log/slog"
	"time"

	"contact-center/internal/telephony"
)

// Policy is a bounded exponential backoff: base * 2^(attempt-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	// Cap the shift well before overflow; MaxDelay bounds the result anyway.
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := base << shift
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// State is the retry bookkeeping for one operation, held by the caller.
type State struct {
	Attempt       int       `json:"attempt"`
	NextAllowedAt time.Time `json:"next_allowed_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// Allowed reports whether another attempt may run at now.
func (s State) Allowed(now time.Time) bool {
	return s.NextAllowedAt.IsZero() || !now.Before(s.NextAllowedAt)
}

// Failed returns the state after a failed attempt at now.
func (p Policy) Failed(s State, now time.Time, err error) State {
	s.Attempt++
	s.NextAllowedAt = now.Add(p.Backoff(s.Attempt))
	if err != nil {
		s.LastError = err.Error()
	}
	return s
}

// Exhausted reports whether the state has used all attempts.
func (p Policy) Exhausted(s State) bool {
	return p.MaxAttempts > 0 && s.Attempt >= p.MaxAttempts
}

// Do runs op until it succeeds, returns a non-retryable error, or attempts run
// out. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, log *slog.Logger, op func(ctx context.Context) error) (State, error) {
	return p.do(ctx, log, op, sleepCtx)
}

func (p Policy) do(ctx context.Context, log *slog.Logger, op func(ctx context.Context) error, sleep func(context.Context, time.Duration) error) (State, error) {
	if log == nil {
		log = slog.Default()
	}
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	var st State
	for {
		err := op(ctx)
		if err == nil {
			return st, nil
		}
		st = p.Failed(st, time.Now(), err)
		if !telephony.IsRetryable(err) || st.Attempt >= limit {
			return st, err
		}
		delay := p.Backoff(st.Attempt)
		log.Warn("vendor request failed; retrying", "attempt", st.Attempt, "backoff", delay, "err", err)
		if serr := sleep(ctx, delay); serr != nil {
			return st, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
