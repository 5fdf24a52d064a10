// Package webhook delivers form submissions to external automation endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/micromdm/nanoform/log/logkeys"

	"github.com/cenkalti/backoff/v4"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-RPA-Signature"

const (
	// DefaultBaseDelay is the delay before the first retry.
	// Each further retry doubles it.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultTimeout is the per-attempt timeout for targets that set none.
	DefaultTimeout = 10 * time.Second
)

// Sign returns the signature of body using secret in "sha256=<hex>" form.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the signature of body using secret.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Target is a delivery endpoint.
type Target struct {
	URL    string
	Secret string

	// Timeout applies to each attempt.
	Timeout time.Duration

	// RetryCount is the number of attempts after the first.
	RetryCount int

	// HeaderKey and HeaderValue add a custom header to each request.
	// A HeaderKey of "Authorization" (in any case) sends a bearer token
	// of HeaderValue, or of Secret if HeaderValue is empty.
	HeaderKey   string
	HeaderValue string
}

// Deliverer POSTs JSON payloads to targets with retries.
type Deliverer struct {
	client    *http.Client
	logger    log.Logger
	baseDelay time.Duration
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithClient sets the HTTP client used for delivery.
func WithClient(client *http.Client) Option {
	return func(d *Deliverer) {
		d.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Deliverer) {
		d.logger = logger
	}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(delay time.Duration) Option {
	return func(d *Deliverer) {
		d.baseDelay = delay
	}
}

// NewDeliverer creates a new Deliverer.
func NewDeliverer(opts ...Option) *Deliverer {
	d := &Deliverer{
		client:    http.DefaultClient,
		logger:    log.NopLogger,
		baseDelay: DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ErrStatus is returned for non-2xx responses.
var ErrStatus = errors.New("unexpected HTTP status")

// Deliver serializes payload and POSTs it to t.
// Failed attempts are retried t.RetryCount times with exponential
// backoff. The error of the final attempt is returned.
func (d *Deliverer) Deliver(ctx context.Context, t *Target, payload interface{}) error {
	if t == nil || t.URL == "" {
		return errors.New("webhook: empty target URL")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	logger := ctxlog.Logger(ctx, d.logger).With(logkeys.URL, t.URL)

	b := newBackOff(d.baseDelay)

	retries := t.RetryCount
	if retries < 0 {
		retries = 0
	}

	var attempt int
	err = backoff.Retry(func() error {
		attempt++
		attemptsTotal.Inc()
		err := d.post(ctx, t, body)
		if err != nil {
			logger.Debug(
				logkeys.Message, "delivery attempt",
				logkeys.Attempt, attempt,
				logkeys.Error, err,
			)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
	if err != nil {
		deliveriesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("delivering after %d attempt(s): %w", attempt, err)
	}
	deliveriesTotal.WithLabelValues("success").Inc()
	return nil
}

// newBackOff returns a backoff starting at base and doubling on every
// retry without jitter, interval cap, or overall deadline.
func newBackOff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// post makes a single delivery attempt.
func (d *Deliverer) post(ctx context.Context, t *Target, body []byte) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(t.Secret, body))
	}
	if t.HeaderKey != "" {
		if strings.EqualFold(t.HeaderKey, "authorization") {
			token := t.HeaderValue
			if token == "" {
				token = t.Secret
			}
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			req.Header.Set(t.HeaderKey, t.HeaderValue)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return nil
}
