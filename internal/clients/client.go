// internal/clients/client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"kfalifecycle/internal/sentinel"
)

// DefaultTimeout bounds every collaborator call.
const DefaultTimeout = 10 * time.Second

// base is the shared JSON-over-HTTP plumbing of the collaborator clients.
type base struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a client.
type Option func(*base)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) { b.http = c }
}

// WithAPIKey sends key as X-API-Key on every request.
func WithAPIKey(key string) Option {
	return func(b *base) { b.apiKey = key }
}

func newBase(baseURL string, opts ...Option) base {
	b := base{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusKinds maps collaborator responses back onto the taxonomy.
var statusKinds = map[int]error{
	http.StatusNotFound:            sentinel.ErrNotFound,
	http.StatusConflict:            sentinel.ErrConflict,
	http.StatusUnprocessableEntity: sentinel.ErrGuardRejected,
	http.StatusBadRequest:          sentinel.ErrInvalidInput,
	http.StatusUnauthorized:        sentinel.ErrUnauthorized,
	http.StatusForbidden:           sentinel.ErrForbidden,
	http.StatusTooManyRequests:     sentinel.ErrRateLimited,
}

func (b base) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("X-API-Key", b.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		msg := eb.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if kind, ok := statusKinds[resp.StatusCode]; ok {
			return sentinel.New(kind, "%s %s: %s", method, path, msg)
		}
		return fmt.Errorf("%s %s: unexpected status code %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
