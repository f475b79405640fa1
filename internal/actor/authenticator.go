package actor

import (
	"net/http"
	"strings"
)

// Authenticator resolves the actor behind an HTTP request. People present a
// bearer token; collaborator services present an X-API-Key.
type Authenticator struct {
	tokens *TokenVerifier
	keys   *KeyRing
}

func NewAuthenticator(tokens *TokenVerifier, keys *KeyRing) *Authenticator {
	if keys == nil {
		keys = NewKeyRing()
	}
	return &Authenticator{tokens: tokens, keys: keys}
}

// Resolve returns the request's actor. ok is false when the request carries no
// credentials at all; err is set when it carries invalid ones.
func (a *Authenticator) Resolve(r *http.Request) (act Actor, ok bool, err error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		act, err = a.keys.Authenticate(key)
		return act, err == nil, err
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Actor{}, false, nil
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || a.tokens == nil {
		return Actor{}, false, nil
	}
	act, err = a.tokens.Verify(strings.TrimSpace(token))
	return act, err == nil, err
}
