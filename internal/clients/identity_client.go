// internal/clients/identity_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"kfalifecycle/internal/application"
)

// IdentityClient provisions platform users in the identity service.
type IdentityClient struct {
	base
}

func NewIdentityClient(baseURL string, opts ...Option) *IdentityClient {
	return &IdentityClient{base: newBase(baseURL, opts...)}
}

type createUserRequest struct {
	ApplicationID  uuid.UUID `json:"application_id"`
	Email          string    `json:"email"`
	FullName       string    `json:"full_name"`
	Phone          string    `json:"phone,omitempty"`
	Organization   string    `json:"organization,omitempty"`
	Position       string    `json:"position,omitempty"`
	MembershipType string    `json:"membership_type"`
}

type createUserResponse struct {
	ID uuid.UUID `json:"id"`
}

// CreateUserFromApplication creates (or returns the existing) user for an
// approved application. The identity service keys the call on
// application_id, so retrying it is safe.
func (c *IdentityClient) CreateUserFromApplication(ctx context.Context, app *application.Application) (uuid.UUID, error) {
	var out createUserResponse
	err := c.do(ctx, http.MethodPost, "/users", createUserRequest{
		ApplicationID:  app.ID,
		Email:          app.Email,
		FullName:       app.FullName,
		Phone:          app.Phone,
		Organization:   app.Organization,
		Position:       app.Position,
		MembershipType: string(app.MembershipType),
	}, &out)
	if err != nil {
		return uuid.Nil, err
	}
	if out.ID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("identity service returned no user id for application %s", app.ID)
	}
	return out.ID, nil
}

var _ application.IdentityService = (*IdentityClient)(nil)
