// Package artifact requests certificate documents (PDF + verification QR)
// from the document generator once an issuance latch has committed, and
// stores the resulting URLs back on the entity.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/sentinel"
)

// Kind names the entity an artifact belongs to.
type Kind string

const (
	KindEventRegistration Kind = "event_registration"
	KindProgramEnrollment Kind = "program_enrollment"
	KindCertification     Kind = "certification"
)

// Request is handed to the document generator.
type Request struct {
	Kind              Kind      `json:"kind"`
	EntityID          uuid.UUID `json:"entity_id"`
	UserID            uuid.UUID `json:"user_id"`
	CertificateNumber string    `json:"certificate_number"`
	Title             string    `json:"title"`
	IssuedAt          time.Time `json:"issued_at"`
}

// Artifact is what the generator produced.
type Artifact struct {
	URL       string `json:"url"`
	QRCodeURL string `json:"qr_code_url,omitempty"`
}

// Validate checks the artifact can be stored.
func (a Artifact) Validate() error {
	if a.URL == "" {
		return sentinel.New(sentinel.ErrInvalidInput, "artifact url is required")
	}
	return nil
}

// Generator renders certificate documents.
type Generator interface {
	Generate(ctx context.Context, req Request) (Artifact, error)
}

// Requester queues generation requests.
type Requester interface {
	Request(req Request)
}

// Attacher stores a generated artifact on one kind of entity. Attaching the
// same URL twice succeeds.
type Attacher interface {
	AttachArtifact(ctx context.Context, id uuid.UUID, a Artifact) error
}

// Issuer runs generation in the background and attaches the result.
type Issuer struct {
	gen       Generator
	logger    *slog.Logger
	timeout   time.Duration
	sem       chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	attachers map[Kind]Attacher
}

// NewIssuer allows up to workers concurrent generator calls.
func NewIssuer(gen Generator, logger *slog.Logger, workers int) *Issuer {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		gen:       gen,
		logger:    logger,
		timeout:   30 * time.Second,
		sem:       make(chan struct{}, workers),
		attachers: make(map[Kind]Attacher),
	}
}

// Register routes attachments of kind to a.
func (i *Issuer) Register(kind Kind, a Attacher) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attachers[kind] = a
}

// Attach stores an artifact through the registered attacher.
func (i *Issuer) Attach(ctx context.Context, kind Kind, id uuid.UUID, a Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	i.mu.RLock()
	at, ok := i.attachers[kind]
	i.mu.RUnlock()
	if !ok {
		return sentinel.New(sentinel.ErrInvalidInput, "no artifacts for %q", kind)
	}
	return at.AttachArtifact(ctx, id, a)
}

// Request generates the artifact asynchronously. Failures are logged; the
// entity keeps its latch and can be retried.
func (i *Issuer) Request(req Request) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()

		i.sem <- struct{}{}
		defer func() { <-i.sem }()

		if err := i.issue(req); err != nil {
			i.logger.Error("certificate artifact generation failed",
				"kind", req.Kind,
				"entity_id", req.EntityID,
				"certificate_number", req.CertificateNumber,
				"error", err,
			)
		}
	}()
}

func (i *Issuer) issue(req Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	a, err := i.gen.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if err := i.Attach(ctx, req.Kind, req.EntityID, a); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return nil
}

// Wait blocks until queued requests finish.
func (i *Issuer) Wait() {
	i.wg.Wait()
}

// Recorder collects requests without generating anything. Services use it
// when no generator is configured, and tests use it to count requests.
type Recorder struct {
	mu       sync.Mutex
	requests []Request
}

func (r *Recorder) Request(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
}

// Requests returns a copy of what was recorded.
func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// CheckAttach applies the shared attach rules to an entity's current
// artifact fields: the latch must be set, and an existing URL may only be
// re-attached unchanged.
func CheckAttach(latched bool, currentURL string, a Artifact) (changed bool, err error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	if !latched {
		return false, sentinel.New(sentinel.ErrInvalidTransition, "certificate has not been issued")
	}
	switch currentURL {
	case "":
		return true, nil
	case a.URL:
		return false, nil
	default:
		return false, sentinel.New(sentinel.ErrConflict, "a different artifact is already attached")
	}
}
