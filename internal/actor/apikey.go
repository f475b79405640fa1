package actor

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"kfalifecycle/internal/sentinel"
)

// ServiceKey is the stored form of a collaborator API key. The secret itself
// is never kept; only its salted Argon2id hash.
type ServiceKey struct {
	ID           string       `json:"id"`
	ActorID      uuid.UUID    `json:"actor_id"`
	Salt         string       `json:"salt"`
	Hash         string       `json:"hash"`
	Capabilities []Capability `json:"capabilities"`
}

// hashSecret generates a salted Argon2id hash of the secret.
func hashSecret(secret string) (string, string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}

	hash := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)

	return base64.StdEncoding.EncodeToString(hash), base64.StdEncoding.EncodeToString(salt), nil
}

// verifySecret compares a secret with a salted hash.
func verifySecret(secret, salt, hash string) (bool, error) {
	decodedSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}

	decodedHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	comparisonHash := argon2.IDKey([]byte(secret), decodedSalt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1, nil
}

// GenerateServiceKey creates a new key for a collaborator. The returned
// plaintext has the form "<id>.<secret>" and is shown once.
func GenerateServiceKey(id string, actorID uuid.UUID, caps ...Capability) (string, ServiceKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", ServiceKey{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, salt, err := hashSecret(secret)
	if err != nil {
		return "", ServiceKey{}, fmt.Errorf("failed to hash secret: %w", err)
	}

	key := ServiceKey{ID: id, ActorID: actorID, Salt: salt, Hash: hash, Capabilities: caps}
	return id + "." + secret, key, nil
}

// KeyRing authenticates collaborator services by API key.
type KeyRing struct {
	keys map[string]ServiceKey
}

func NewKeyRing(keys ...ServiceKey) *KeyRing {
	kr := &KeyRing{keys: make(map[string]ServiceKey, len(keys))}
	for _, k := range keys {
		kr.keys[k.ID] = k
	}
	return kr
}

// ParseKeyRing decodes a JSON array of ServiceKey records. Empty input yields
// an empty ring.
func ParseKeyRing(raw string) (*KeyRing, error) {
	if strings.TrimSpace(raw) == "" {
		return NewKeyRing(), nil
	}
	var keys []ServiceKey
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("failed to parse service keys: %w", err)
	}
	return NewKeyRing(keys...), nil
}

// Authenticate verifies a presented "<id>.<secret>" key.
func (kr *KeyRing) Authenticate(presented string) (Actor, error) {
	id, secret, ok := strings.Cut(presented, ".")
	if !ok || id == "" || secret == "" {
		return Actor{}, sentinel.New(sentinel.ErrUnauthorized, "malformed api key")
	}

	key, ok := kr.keys[id]
	if !ok {
		return Actor{}, sentinel.New(sentinel.ErrUnauthorized, "unknown api key")
	}

	valid, err := verifySecret(secret, key.Salt, key.Hash)
	if err != nil {
		return Actor{}, sentinel.Wrap(sentinel.ErrUnauthorized, err, "corrupt api key record")
	}
	if !valid {
		return Actor{}, sentinel.New(sentinel.ErrUnauthorized, "invalid api key")
	}

	return Actor{ID: key.ActorID, Name: key.ID, Capabilities: key.Capabilities}, nil
}
