// internal/clients/document_client.go
package clients

import (
	"context"
	"net/http"

	"kfalifecycle/internal/artifact"
)

// DocumentClient renders certificate PDFs and their verification QR codes.
type DocumentClient struct {
	base
}

func NewDocumentClient(baseURL string, opts ...Option) *DocumentClient {
	return &DocumentClient{base: newBase(baseURL, opts...)}
}

func (c *DocumentClient) Generate(ctx context.Context, req artifact.Request) (artifact.Artifact, error) {
	var out artifact.Artifact
	if err := c.do(ctx, http.MethodPost, "/certificates", req, &out); err != nil {
		return artifact.Artifact{}, err
	}
	return out, nil
}

var _ artifact.Generator = (*DocumentClient)(nil)
