package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfalifecycle/internal/application"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/sentinel"
)

func TestIdentityClientCreatesUser(t *testing.T) {
	app := &application.Application{
		ID:             uuid.New(),
		MembershipType: application.Individual,
		FullName:       "Aigerim Sadykova",
		Email:          "aigerim@example.kz",
	}
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "svc.secret", r.Header.Get("X-API-Key"))

		var body createUserRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, app.ID, body.ApplicationID)
		assert.Equal(t, "individual", body.MembershipType)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": userID.String()})
	}))
	defer srv.Close()

	c := NewIdentityClient(srv.URL+"/", WithAPIKey("svc.secret"))
	got, err := c.CreateUserFromApplication(context.Background(), app)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestIdentityClientRejectsEmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewIdentityClient(srv.URL).CreateUserFromApplication(context.Background(), &application.Application{ID: uuid.New()})
	assert.Error(t, err)
}

func TestErrorStatusesMapToTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, sentinel.ErrNotFound},
		{http.StatusConflict, sentinel.ErrConflict},
		{http.StatusForbidden, sentinel.ErrForbidden},
		{http.StatusTooManyRequests, sentinel.ErrRateLimited},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"x","message":"from upstream"}`))
			}))
			defer srv.Close()

			_, err := NewDocumentClient(srv.URL).Generate(context.Background(), artifact.Request{})
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, sentinel.Message(err), "from upstream")
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := NewDocumentClient(srv.URL).Generate(context.Background(), artifact.Request{})
	require.Error(t, err)
	assert.Nil(t, sentinel.Classify(err))
}

func TestDocumentClientGenerates(t *testing.T) {
	req := artifact.Request{
		Kind:              artifact.KindCertification,
		EntityID:          uuid.New(),
		CertificateNumber: "CIA-2025-0001",
		IssuedAt:          time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got artifact.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, req, got)
		_, _ = w.Write([]byte(`{"url":"https://docs/cia.pdf","qr_code_url":"https://docs/cia.png"}`))
	}))
	defer srv.Close()

	a, err := NewDocumentClient(srv.URL).Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, artifact.Artifact{URL: "https://docs/cia.pdf", QRCodeURL: "https://docs/cia.png"}, a)
}

func TestLifecycleClientSweeps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sweeps/expired", r.URL.Path)
		assert.Empty(t, r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"expired":3,"skipped":1,"failed":0}`))
	}))
	defer srv.Close()

	res, err := NewLifecycleClient(srv.URL).SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, certification.SweepResult{Expired: 3, Skipped: 1}, res)
}

func TestClientHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewLifecycleClient(srv.URL).Healthy(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
