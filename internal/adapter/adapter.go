// Package adapter implements the uniform inference contract over
// heterogeneous external backends. Each backend variant (OpenAI-compatible,
// Anthropic-compatible, Ollama-compatible, generic REST) is one
// implementation of the Adapter interface; the pipeline engine never
// branches on backend type.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

// Adapter is the capability set every backend variant implements.
//
// Initialize validates configuration and establishes connection-level state;
// it does not guarantee the backend is reachable. SendRequest performs one
// remote call. ListModels is best-effort and may return a static list.
// TestConnection sends a minimal low-cost request and reports reachability.
// Shutdown releases held resources and is idempotent.
type Adapter interface {
	Initialize() error
	SendRequest(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error)
	ListModels(ctx context.Context) ([]string, error)
	TestConnection(ctx context.Context) error
	Shutdown() error
}

// Factory constructs an adapter for a service config. The registry takes a
// Factory so tests can substitute fakes.
type Factory func(cfg models.ServiceConfig) (Adapter, error)

// New is the default factory covering all supported backend variants.
func New(cfg models.ServiceConfig) (Adapter, error) {
	switch cfg.Kind {
	case models.ServiceOpenAI:
		return newOpenAI(cfg), nil
	case models.ServiceAnthropic:
		return newAnthropic(cfg), nil
	case models.ServiceOllama:
		return newOllama(cfg), nil
	case models.ServiceREST:
		return newREST(cfg), nil
	default:
		return nil, faults.New(faults.ConfigInvalid, "adapter.new",
			"unknown service kind %q for service %s", cfg.Kind, cfg.ID)
	}
}

// ── Shared HTTP plumbing ─────────────────────────────────────

const defaultTimeoutSecs = 30

// httpCaller wraps the HTTP client shared by all variants. It owns the
// per-service rate limiter and the optional retry policy. Retries apply to
// network-level failures only; rejected and malformed responses are never
// retried.
type httpCaller struct {
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
}

func newHTTPCaller(extra map[string]interface{}) *httpCaller {
	timeout := extraInt(extra, "timeout_secs", defaultTimeoutSecs)
	c := &httpCaller{
		client: &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
	if rps := extraFloat(extra, "rate_limit_rps", 0); rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if n := extraInt(extra, "retry_max_attempts", 0); n > 0 {
		c.maxRetries = uint64(n)
	}
	return c
}

// do sends one JSON request and returns the response body. Failures are
// classified: transport errors as BackendUnreachable, non-2xx statuses as
// BackendRejected (with status code and backend body).
func (c *httpCaller) do(ctx context.Context, op, method, url string, headers map[string]string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal payload: %w", op, err)
		}
	}

	attempt := func() ([]byte, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(faults.Wrap(faults.BackendUnreachable, op, err))
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%s: create request: %w", op, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			// Transport-level failure; retryable when a policy is set.
			return nil, faults.Wrap(faults.BackendUnreachable, op, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, faults.Wrap(faults.BackendUnreachable, op, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, backoff.Permanent(&faults.Error{
				Kind:    faults.BackendRejected,
				Op:      op,
				Status:  resp.StatusCode,
				Message: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(respBody, 512)),
			})
		}
		return respBody, nil
	}

	if c.maxRetries == 0 {
		out, err := attempt()
		return out, unwrapPermanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	out, err := backoff.RetryWithData(attempt, policy)
	return out, unwrapPermanent(err)
}

// unwrapPermanent strips the backoff.Permanent wrapper so callers see the
// classified error directly.
func unwrapPermanent(err error) error {
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Shutdown support shared by variants.
func (c *httpCaller) close() {
	c.client.CloseIdleConnections()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// ── Extra-config helpers ─────────────────────────────────────

func extraStr(extra map[string]interface{}, key, fallback string) string {
	if v, ok := extra[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func extraInt(extra map[string]interface{}, key string, fallback int) int {
	switch v := extra[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

func extraFloat(extra map[string]interface{}, key string, fallback float64) float64 {
	switch v := extra[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

// contextBlock renders the request context as an appendix to the prompt for
// backends without structured context fields.
func contextBlock(req *models.InferenceRequest) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return req.Prompt
	}
	return req.Prompt + "\n\nContext:\n" + string(ctxJSON)
}
