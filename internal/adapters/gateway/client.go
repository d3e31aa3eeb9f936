// Package gateway contains the HTTP adapters for the payment providers the
// ticketing engine talks to. Providers return data only; applying a result to
// a reservation is the caller's job.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

const defaultTimeout = 10 * time.Second

var errMalformedResponse = errors.New("malformed provider response")

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error [%s]: %s (status: %d)", e.Code, e.Message, e.StatusCode)
}

func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// errorDecoder turns a provider's error body into an APIError. It returns
// nil when the body is not in the provider's error format.
type errorDecoder func(status int, body []byte) *APIError

// Client is the shared HTTP plumbing of all providers.
type Client struct {
	provider   domain.ProviderID
	baseURL    string
	httpClient *http.Client
	authorize  func(ctx context.Context, req *http.Request) error
	decodeErr  errorDecoder
	maxRetries int
	retryDelay time.Duration
}

func newClient(id domain.ProviderID, cfg config.ProviderConfig, defaultBaseURL string, decodeErr errorDecoder) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	return &Client{
		provider:   id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		authorize:  func(context.Context, *http.Request) error { return nil },
		decodeErr:  decodeErr,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
	}
}

type request struct {
	method         string
	path           string
	body           []byte
	contentType    string
	idempotencyKey string
	// idempotencyHeader overrides the default Idempotency-Key header name.
	idempotencyHeader string
	// retry is only set for calls that are safe to repeat: reads and writes
	// guarded by an idempotency key.
	retry bool
}

func jsonRequest(method, path string, v any) (request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return request{}, fmt.Errorf("error marshalling json: %w", err)
	}
	return request{method: method, path: path, body: body, contentType: "application/json"}, nil
}

func formRequest(method, path string, form url.Values) request {
	return request{
		method:      method,
		path:        path,
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
	}
}

func getRequest(path string) request {
	return request{method: http.MethodGet, path: path, retry: true}
}

// send performs req and decodes a 2xx body into Resp. Errors come back as
// domain gateway errors so callers can tell rejections from indeterminate
// failures.
func send[Resp any](ctx context.Context, c *Client, op string, req request) (*Resp, error) {
	attempt := func() (*Resp, error) {
		return sendOnce[Resp](ctx, c, req)
	}
	var (
		resp *Resp
		err  error
	)
	if req.retry && c.maxRetries > 0 {
		resp, err = retry(ctx, c.maxRetries, c.retryDelay, attempt)
	} else {
		resp, err = attempt()
	}
	if err != nil {
		return nil, c.classify(op, err)
	}
	return resp, nil
}

func sendOnce[Resp any](ctx context.Context, c *Client, req request) (*Resp, error) {
	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.idempotencyKey != "" {
		header := req.idempotencyHeader
		if header == "" {
			header = "Idempotency-Key"
		}
		httpReq.Header.Set(header, req.idempotencyKey)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if apiErr := c.decodeErr(resp.StatusCode, body); apiErr != nil {
			return nil, apiErr
		}
		return nil, &APIError{
			Code:       http.StatusText(resp.StatusCode),
			Message:    strings.TrimSpace(string(body)),
			StatusCode: resp.StatusCode,
		}
	}

	var out Resp
	if len(bytes.TrimSpace(body)) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	return &out, nil
}

// classify maps transport and provider errors onto the domain taxonomy:
// deadlines are timeouts, 4xx answers are rejections and everything else
// leaves the outcome unknown.
func (c *Client) classify(op string, err error) error {
	var domErr *domain.DomainError
	if errors.As(err, &domErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewGatewayTimeoutError(fmt.Sprintf("%s %s", c.provider, op), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewGatewayTimeoutError(fmt.Sprintf("%s %s", c.provider, op), err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
		return domain.NewGatewayRejectedError(fmt.Sprintf("%s %s: %s", c.provider, op, apiErr.Message), err)
	}
	return domain.NewGatewayUnavailableError(fmt.Errorf("%s %s: %w", c.provider, op, err))
}

// asAPIError unwraps the provider error behind a classified domain error.
func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
