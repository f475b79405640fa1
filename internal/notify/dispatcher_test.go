package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfalifecycle/internal/statemachine"
)

type recordingSink struct {
	mu   sync.Mutex
	name string
	err  error
	got  []Notification
	gate chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, n Notification) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	failing := &recordingSink{name: "failing", err: errors.New("telegram down")}
	ok := &recordingSink{name: "ok"}
	d := NewDispatcher(Config{Workers: 2, Logger: quietLogger()}, failing, ok)

	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), Notification{EntityType: "event_registration", EntityID: uuid.New(), Status: "attended"})
	}

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 5, failing.count())
	assert.Equal(t, 5, ok.count())
	assert.ErrorIs(t, d.Close(context.Background()), ErrClosed)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	gate := make(chan struct{})
	slow := &recordingSink{name: "slow", gate: gate}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1, Logger: quietLogger()}, slow)

	// One notification occupies the worker, one fills the queue, the rest drop.
	for i := 0; i < 10; i++ {
		d.Notify(context.Background(), Notification{EntityID: uuid.New()})
		time.Sleep(time.Millisecond)
	}
	close(gate)

	require.NoError(t, d.Close(context.Background()))
	assert.LessOrEqual(t, slow.count(), 2)
	assert.GreaterOrEqual(t, slow.count(), 1)
}

func TestNotifyAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{name: "s"}
	d := NewDispatcher(Config{Logger: quietLogger()}, sink)
	require.NoError(t, d.Close(context.Background()))

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), Notification{EntityID: uuid.New()})
	})
	assert.Zero(t, sink.count())
}

type captureNotifier struct{ got []Notification }

func (c *captureNotifier) Notify(_ context.Context, n Notification) { c.got = append(c.got, n) }

func TestTerminalOnlyNotifiesTerminalOutcomes(t *testing.T) {
	c := &captureNotifier{}
	user := uuid.New()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	Terminal(context.Background(), c, statemachine.Outcome{EntityType: "x", To: "approved"}, user, at)
	assert.Empty(t, c.got)

	out := statemachine.Outcome{EntityType: "x", EntityID: uuid.New(), Transition: "reject", To: "rejected", Terminal: true}
	Terminal(context.Background(), c, out, user, at)
	require.Len(t, c.got, 1)
	assert.Equal(t, Notification{EntityType: "x", EntityID: out.EntityID, Status: "rejected", Transition: "reject", UserID: user, At: at}, c.got[0])

	assert.NotPanics(t, func() { Terminal(context.Background(), nil, out, user, at) })
}

func TestTerminalSkipsLatchSelfLoops(t *testing.T) {
	c := &captureNotifier{}
	latch := statemachine.Outcome{
		EntityType: "event_registration",
		EntityID:   uuid.New(),
		Transition: "issue_certificate",
		From:       "attended",
		To:         "attended",
		Terminal:   true,
	}
	Terminal(context.Background(), c, latch, uuid.New(), time.Now())
	assert.Empty(t, c.got)
}
