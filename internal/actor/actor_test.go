package actor

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfalifecycle/internal/sentinel"
)

func TestActorHas(t *testing.T) {
	a := New(uuid.New(), CapReviewApplications)

	assert.True(t, a.Has(CapReviewApplications))
	assert.True(t, a.Has(""))
	assert.False(t, a.Has(CapManageEvents))
}

func TestIsOwnerOr(t *testing.T) {
	owner := uuid.New()

	assert.True(t, New(owner).IsOwnerOr(owner, CapManageEvents))
	assert.True(t, New(uuid.New(), CapManageEvents).IsOwnerOr(owner, CapManageEvents))
	assert.False(t, New(uuid.New()).IsOwnerOr(owner, CapManageEvents))
	assert.False(t, System().IsOwnerOr(uuid.Nil, ""), "nil ids never own anything")
}

func TestTokenRoundTrip(t *testing.T) {
	v := NewTokenVerifier("test-secret", "kfa-identity")
	want := Actor{ID: uuid.New(), Name: "reviewer", Capabilities: []Capability{CapReviewApplications, CapReviewCPE}}

	token, err := v.Issue(want, time.Minute)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	issuer := NewTokenVerifier("one", "")
	verifier := NewTokenVerifier("two", "")

	token, err := issuer.Issue(New(uuid.New()), time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, sentinel.ErrUnauthorized)

	expired, err := issuer.Issue(New(uuid.New()), -time.Minute)
	require.NoError(t, err)
	_, err = issuer.Verify(expired)
	assert.ErrorIs(t, err, sentinel.ErrUnauthorized)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestServiceKeyAuthentication(t *testing.T) {
	actorID := uuid.New()
	plaintext, record, err := GenerateServiceKey("sweeper", actorID, CapSweepCertifications)
	require.NoError(t, err)

	ring := NewKeyRing(record)

	got, err := ring.Authenticate(plaintext)
	require.NoError(t, err)
	assert.Equal(t, actorID, got.ID)
	assert.True(t, got.Has(CapSweepCertifications))

	_, err = ring.Authenticate("sweeper.wrong")
	assert.ErrorIs(t, err, sentinel.ErrUnauthorized)

	_, err = ring.Authenticate("nodot")
	assert.ErrorIs(t, err, sentinel.ErrUnauthorized)
}

func TestParseKeyRing(t *testing.T) {
	ring, err := ParseKeyRing("")
	require.NoError(t, err)
	assert.Empty(t, ring.keys)

	_, err = ParseKeyRing("{not json")
	assert.Error(t, err)

	ring, err = ParseKeyRing(`[{"id":"docs","actor_id":"6f1c1c52-6b43-4a8e-9a59-3f7d4d9b3c11","salt":"c2FsdA==","hash":"aGFzaA==","capabilities":["artifacts:attach"]}]`)
	require.NoError(t, err)
	assert.Contains(t, ring.keys, "docs")
}

func TestAuthenticatorResolve(t *testing.T) {
	v := NewTokenVerifier("secret", "")
	plaintext, record, err := GenerateServiceKey("docs", uuid.New(), CapAttachArtifacts)
	require.NoError(t, err)
	auth := NewAuthenticator(v, NewKeyRing(record))

	r := httptest.NewRequest("GET", "/", nil)
	_, ok, err := auth.Resolve(r)
	assert.False(t, ok)
	assert.NoError(t, err)

	r.Header.Set("X-API-Key", plaintext)
	act, ok, err := auth.Resolve(r)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, act.Has(CapAttachArtifacts))

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	_, ok, err = auth.Resolve(r)
	assert.False(t, ok)
	assert.ErrorIs(t, err, sentinel.ErrUnauthorized)
}
