package bind9

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
)

// Defaults of the sidecar API client.
const (
	DefaultMaxAttempts = 3
	DefaultTargetQPS   = 20
	DefaultTargetBurst = 40
)

const (
	defaultHTTPTimeout  = 15 * time.Second
	defaultRetryMin     = 50 * time.Millisecond
	defaultRetryMax     = 10 * time.Second
	maxErrorBodyLength  = 512
	headerRequestID     = "X-Request-ID"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	zonesPath           = "/api/v1/zones"
)

//nolint:gochecknoglobals // fixed set of server messages
var alreadyExistsMessages = []string{"already exists", "already serves", "duplicate zone"}

// HTTPClient talks to the sidecar API of each Instance.
type HTTPClient struct {
	client      *http.Client
	metrics     metrics.Collector
	retryMin    time.Duration
	retryMax    time.Duration
	maxAttempts int
	qps         rate.Limit
	burst       int

	limiters sync.Map // APIURL -> *rate.Limiter
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithTimeout bounds a single request, including reading the response.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		h.client = &http.Client{Transport: h.client.Transport, Timeout: timeout}
	}
}

// WithRetry sets the retry backoff bounds and attempt count.
func WithRetry(minDelay, maxDelay time.Duration, attempts int) HTTPOption {
	return func(h *HTTPClient) {
		h.retryMin = minDelay
		h.retryMax = maxDelay
		h.maxAttempts = attempts
	}
}

// WithTargetRateLimit bounds calls per Instance.
func WithTargetRateLimit(qps float64, burst int) HTTPOption {
	return func(h *HTTPClient) {
		h.qps = rate.Limit(qps)
		h.burst = burst
	}
}

// NewHTTPClient creates a sidecar API client.
func NewHTTPClient(collector metrics.Collector, opts ...HTTPOption) *HTTPClient {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	h := &HTTPClient{
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		metrics:     collector,
		retryMin:    defaultRetryMin,
		retryMax:    defaultRetryMax,
		maxAttempts: DefaultMaxAttempts,
		qps:         DefaultTargetQPS,
		burst:       DefaultTargetBurst,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// PutZone creates a zone. A zone that already exists is success.
func (h *HTTPClient) PutZone(ctx context.Context, target Target, req ZoneRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to encode zone request")
	}

	_, err = h.do(ctx, "put_zone", target, http.MethodPost, zonesPath, body)

	if zoneAlreadyExists(err) {
		return nil
	}

	return err
}

func zoneAlreadyExists(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}

	if statusErr.Code == http.StatusConflict {
		return true
	}

	body := strings.ToLower(statusErr.Body)

	return slices.ContainsFunc(alreadyExistsMessages, func(msg string) bool {
		return strings.Contains(body, msg)
	})
}

// ZoneExists reports whether the server serves the zone.
func (h *HTTPClient) ZoneExists(ctx context.Context, target Target, zone string) (bool, error) {
	_, err := h.do(ctx, "get_zone", target, http.MethodGet, zonePath(zone)+"/status", nil)

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// DeleteZone removes a zone. A zone that does not exist is success.
func (h *HTTPClient) DeleteZone(ctx context.Context, target Target, zone string) error {
	_, err := h.do(ctx, "delete_zone", target, http.MethodDelete, zonePath(zone), nil)

	var statusErr *StatusError
	if errors.As(err, &statusErr) &&
		(statusErr.Code == http.StatusNotFound || strings.Contains(strings.ToLower(statusErr.Body), "not found")) {
		return nil
	}

	return err
}

// ModifyZone replaces the definition of a zone the server already serves.
func (h *HTTPClient) ModifyZone(ctx context.Context, target Target, req ZoneRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to encode zone request")
	}

	_, err = h.do(ctx, "modify_zone", target, http.MethodPatch, zonePath(req.ZoneName), body)

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return errors.Mark(err, ErrZoneNotFound)
	}

	return err
}

// NotifyZone makes a primary send NOTIFY to the zone's secondaries.
func (h *HTTPClient) NotifyZone(ctx context.Context, target Target, zone string) error {
	_, err := h.do(ctx, "notify_zone", target, http.MethodPost, zonePath(zone)+"/notify", nil)

	return err
}

// RetransferZone makes a secondary transfer the zone from its primaries now.
func (h *HTTPClient) RetransferZone(ctx context.Context, target Target, zone string) error {
	_, err := h.do(ctx, "retransfer_zone", target, http.MethodPost, zonePath(zone)+"/retransfer", nil)

	return err
}

func zonePath(zone string) string {
	return zonesPath + "/" + url.PathEscape(strings.TrimSuffix(zone, "."))
}

func (h *HTTPClient) limiter(target Target) *rate.Limiter {
	if l, ok := h.limiters.Load(target.APIURL); ok {
		return l.(*rate.Limiter) //nolint:forcetypeassert // only *rate.Limiter is stored
	}

	l, _ := h.limiters.LoadOrStore(target.APIURL, rate.NewLimiter(h.qps, h.burst))

	return l.(*rate.Limiter) //nolint:forcetypeassert // only *rate.Limiter is stored
}

// do performs one logical call with in-place retries for retryable failures.
func (h *HTTPClient) do(
	ctx context.Context,
	op string,
	target Target,
	method, path string,
	body []byte,
) ([]byte, error) {
	logger := slog.Default().With("operation", op, "target", target.Name)

	b := &backoff.Backoff{Min: h.retryMin, Max: h.retryMax, Factor: 2, Jitter: true}

	var lastErr error

	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		err := h.limiter(target).Wait(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "%s rate limit wait", op)
		}

		start := time.Now()
		respBody, err := h.once(ctx, target, method, path, body)
		h.record(ctx, op, err, time.Since(start))

		if err == nil {
			return respBody, nil
		}

		lastErr = err

		if !isRetryable(err) || attempt == h.maxAttempts {
			break
		}

		delay := b.Duration()
		logger.Debug("retrying sidecar call", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, mark(errors.Wrapf(ctx.Err(), "%s %s", method, path))
		case <-time.After(delay):
		}
	}

	return nil, mark(lastErr)
}

func (h *HTTPClient) once(ctx context.Context, target Target, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	endpoint := strings.TrimSuffix(target.APIURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request %s %s", method, endpoint)
	}

	req.Header.Set(headerRequestID, uuid.NewString())

	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	if target.Token != "" {
		req.Header.Set(headerAuthorization, "Bearer "+target.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response of %s %s", method, endpoint)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		text := string(respBody)
		if len(text) > maxErrorBodyLength {
			text = text[:maxErrorBodyLength]
		}

		return nil, &StatusError{Method: method, URL: endpoint, Code: resp.StatusCode, Body: text}
	}

	return respBody, nil
}

func (h *HTTPClient) record(ctx context.Context, op string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
		h.metrics.RecordBackendError(ctx, op, metrics.ClassifyBackendError(err))
	}

	h.metrics.RecordBackendCall(ctx, op, result, duration)
}
