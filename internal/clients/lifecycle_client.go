// internal/clients/lifecycle_client.go
package clients

import (
	"context"
	"net/http"

	"kfalifecycle/internal/certification"
)

// LifecycleClient calls the lifecycle API on behalf of a collaborator
// service such as the expiry cron.
type LifecycleClient struct {
	base
}

func NewLifecycleClient(baseURL string, opts ...Option) *LifecycleClient {
	return &LifecycleClient{base: newBase(baseURL, opts...)}
}

func (c *LifecycleClient) SweepExpired(ctx context.Context) (certification.SweepResult, error) {
	var out certification.SweepResult
	err := c.do(ctx, http.MethodPost, "/v1/sweeps/expired", nil, &out)
	return out, err
}

func (c *LifecycleClient) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
