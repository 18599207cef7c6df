// Package fetch issues HTTP requests with retries and rate limiting.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

// UserAgent is sent by the WFS clients. Some Danish map servers reject
// unknown agents.
const UserAgent = "Mozilla/5.0 QGIS/33603/macOS 15.1"

// StatusError is returned for responses other than 200 OK.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retry configures exponential backoff.
type Retry struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

// DefaultRetry waits 4s to 10s between up to 5 attempts.
var DefaultRetry = Retry{Attempts: 5, Min: 4 * time.Second, Max: 10 * time.Second}

// Backoff returns the wait before the attempt after attempt n, starting at 1.
func (r Retry) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}

	d := time.Second * time.Duration(1<<n)
	if d < r.Min {
		d = r.Min
	}
	if r.Max > 0 && d > r.Max {
		d = r.Max
	}
	return d
}

// Doer sends requests with Retry and an optional rate limit.
type Doer struct {
	Client  *http.Client
	Retry   Retry
	Limiter *rate.Limiter
}

// Do sends the request built by newRequest until it answers 200 OK or the
// attempts are used up, and returns the body.
func (d *Doer) Do(ctx context.Context, newRequest func(context.Context) (*http.Request, error)) ([]byte, error) {
	l := log.Ctx(ctx)

	attempts := d.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for n := 1; n <= attempts; n++ {
		body, wait, err := d.once(ctx, newRequest)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil || n == attempts {
			break
		}

		if wait == 0 {
			wait = d.Retry.Backoff(n)
		}
		l.Warn().Err(err).Int("attempt", n).Dur("wait", wait).Msg("request failed, retrying")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, xerrors.Errorf("request cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}

	return nil, xerrors.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

func (d *Doer) once(ctx context.Context, newRequest func(context.Context) (*http.Request, error)) ([]byte, time.Duration, error) {
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return nil, 0, xerrors.Errorf("rate limiter: %w", err)
		}
	}

	req, err := newRequest(ctx)
	if err != nil {
		return nil, 0, xerrors.Errorf("failed to build request: %w", err)
	}

	c := d.Client
	if c == nil {
		c = http.DefaultClient
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, 0, xerrors.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, xerrors.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, retryAfter(resp), &StatusError{Code: resp.StatusCode, Body: truncate(body, 200)}
	}

	return body, 0, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	s, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || s < 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
