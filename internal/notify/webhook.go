// Package notify posts run outcomes to an operator webhook. Delivery is
// best-effort: failures are logged and never reach the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/breeze-rmm/autopatch/internal/logging"
)

// Run outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event is the webhook payload.
type Event struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
	RunID  string `json:"runId,omitempty"`
	Report string `json:"report,omitempty"`
}

// Notifier delivers run outcomes.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook answered %d %s", e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the receiver asked us to come back later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Webhook POSTs events as JSON to a fixed URL. Throttling (429) and server
// errors are retried, waiting for Retry-After when the receiver sends one;
// every other status ends delivery.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int

	initialDelay time.Duration
	maxDelay     time.Duration

	log *slog.Logger
}

// NewWebhook creates a webhook notifier. timeout bounds each attempt.
func NewWebhook(url string, timeout time.Duration, maxRetries int, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:          url,
		client:       &http.Client{Timeout: timeout},
		maxRetries:   maxRetries,
		initialDelay: 500 * time.Millisecond,
		maxDelay:     5 * time.Second,
		log:          logging.OrDiscard(logger),
	}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		w.log.Warn("failed to encode webhook payload", logging.KeyError, err.Error())
		return
	}

	policy := w.newPolicy()
	attempts := 0
	deliver := func() error {
		attempts++
		log := w.log.With("status", ev.Status, "attempt", attempts)

		code, retryAfter, err := w.post(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Debug("webhook attempt failed", logging.KeyError, err.Error())
			return err
		}
		if code < 300 {
			log.Debug("webhook delivered", "httpStatus", code)
			return nil
		}

		statusErr := &StatusError{Code: code}
		if !statusErr.Retryable() {
			return backoff.Permanent(statusErr)
		}
		log.Debug("webhook asked to retry", "httpStatus", code, "retryAfter", retryAfter)
		policy.retryAfter = retryAfter
		return statusErr
	}

	err = backoff.RetryNotify(deliver, backoff.WithContext(policy, ctx), nil)
	if err == nil {
		return
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		w.log.Warn("webhook rejected notification", "status", ev.Status, "httpStatus", statusErr.Code)
		return
	}
	w.log.Warn("webhook delivery failed", "status", ev.Status, "attempts", attempts, logging.KeyError, err.Error())
}

// post sends one attempt and returns the response status and any Retry-After
// delay the receiver asked for.
func (w *Webhook) post(ctx context.Context, body []byte) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), nil
}

func (w *Webhook) newPolicy() *retryPolicy {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.initialDelay
	exp.MaxInterval = w.maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.3
	exp.MaxElapsedTime = 0
	return &retryPolicy{exp: exp, max: w.maxRetries, cap: w.maxDelay}
}

// retryPolicy bounds the number of retries and lets a Retry-After header
// replace the next exponential delay.
type retryPolicy struct {
	exp        *backoff.ExponentialBackOff
	max        int
	tries      int
	cap        time.Duration
	retryAfter time.Duration
}

func (p *retryPolicy) NextBackOff() time.Duration {
	if p.tries >= p.max {
		return backoff.Stop
	}
	p.tries++

	next := p.exp.NextBackOff()
	if p.retryAfter > 0 {
		next = p.retryAfter
		p.retryAfter = 0
	}
	if next > p.cap {
		next = p.cap
	}
	return next
}

func (p *retryPolicy) Reset() {
	p.tries = 0
	p.retryAfter = 0
	p.exp.Reset()
}

// parseRetryAfter reads delay-seconds or an HTTP date. Anything else is 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
