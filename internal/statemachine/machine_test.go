package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/sentinel"
)

const (
	pending  State = "pending"
	approved State = "approved"
	rejected State = "rejected"
	done     State = "done"
	failed   State = "failed"
)

type ticket struct {
	ID      uuid.UUID
	Status  State
	Stamped bool
	Score   float64
}

func (t *ticket) State() State     { return t.Status }
func (t *ticket) SetState(s State) { t.Status = s }

// ticketStore serializes transactions and only publishes writes on commit.
type ticketStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]ticket
	journal []Record
}

type txKey struct{}

type ticketTx struct {
	rows    map[uuid.UUID]ticket
	journal []Record
}

func newTicketStore() *ticketStore {
	return &ticketStore{rows: make(map[uuid.UUID]ticket)}
}

func (s *ticketStore) add(status State) uuid.UUID {
	id := uuid.New()
	s.rows[id] = ticket{ID: id, Status: status}
	return id
}

func (s *ticketStore) binding() Binding[*ticket] {
	return Binding[*ticket]{
		RunInTx: func(ctx context.Context, fn func(context.Context) error) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			tx := &ticketTx{rows: make(map[uuid.UUID]ticket)}
			if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
				return err
			}
			for id, row := range tx.rows {
				s.rows[id] = row
			}
			s.journal = append(s.journal, tx.journal...)
			return nil
		},
		Lock: func(ctx context.Context, id uuid.UUID) (*ticket, error) {
			row, ok := s.rows[id]
			if !ok {
				return nil, sentinel.New(sentinel.ErrNotFound, "ticket %s not found", id)
			}
			return &row, nil
		},
		Save: func(ctx context.Context, t *ticket) error {
			ctx.Value(txKey{}).(*ticketTx).rows[t.ID] = *t
			return nil
		},
		Journal: func(ctx context.Context, rec Record) error {
			tx := ctx.Value(txKey{}).(*ticketTx)
			tx.journal = append(tx.journal, rec)
			return nil
		},
	}
}

const capApprove actor.Capability = "tickets:approve"

var errBoom = errors.New("boom")

func ticketDefinition() Definition[*ticket] {
	return Definition[*ticket]{
		Entity: "ticket",
		States: []State{pending, approved, rejected, done, failed},
		Transitions: []Transition[*ticket]{
			{Name: "approve", From: []State{pending}, To: approved, Capability: capApprove},
			{
				Name: "reject", From: []State{pending}, To: rejected, Capability: capApprove,
				Guard: func(c *Context[*ticket]) error {
					if c.Payload.String("reason") == "" {
						return errors.New("reason is required")
					}
					return nil
				},
			},
			{
				Name: "stamp", From: []State{approved}, To: approved,
				Guard: func(c *Context[*ticket]) error {
					if c.Entity.Stamped {
						return sentinel.New(sentinel.ErrAlreadyTerminal, "already stamped")
					}
					return nil
				},
				Effect: func(c *Context[*ticket]) error {
					c.Entity.Stamped = true
					c.Emit("stamped_at", c.Now)
					return nil
				},
			},
			{
				Name: "finish", From: []State{approved}, To: done, Alt: []State{failed},
				Route: func(c *Context[*ticket]) (State, error) {
					score, ok, err := c.Payload.Float("score")
					if err != nil {
						return "", err
					}
					if !ok {
						return "", errors.New("score is required")
					}
					if score >= 50 {
						return done, nil
					}
					return failed, nil
				},
				Effect: func(c *Context[*ticket]) error {
					score, _, _ := c.Payload.Float("score")
					c.Entity.Score = score
					if c.Payload.String("explode") != "" {
						return errBoom
					}
					return nil
				},
			},
		},
	}
}

func newTicketMachine(t *testing.T, s *ticketStore) *Machine[*ticket] {
	t.Helper()
	fixed := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	m, err := New(ticketDefinition(), s.binding(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return m
}

var reviewer = actor.New(uuid.New(), capApprove)

func TestNewValidatesDefinition(t *testing.T) {
	s := newTicketStore()

	def := ticketDefinition()
	def.Transitions = append(def.Transitions, Transition[*ticket]{Name: "approve", From: []State{pending}, To: approved})
	_, err := New(def, s.binding())
	assert.ErrorContains(t, err, "duplicate transition")

	def = ticketDefinition()
	def.Transitions = append(def.Transitions, Transition[*ticket]{Name: "archive", From: []State{done}, To: "archived"})
	_, err = New(def, s.binding())
	assert.ErrorContains(t, err, "undeclared state")

	def = ticketDefinition()
	def.Transitions = append(def.Transitions, Transition[*ticket]{Name: "noop", To: done})
	_, err = New(def, s.binding())
	assert.ErrorContains(t, err, "no source states")

	_, err = New(ticketDefinition(), Binding[*ticket]{})
	assert.Error(t, err)
}

func TestTerminalStates(t *testing.T) {
	m := newTicketMachine(t, newTicketStore())

	assert.False(t, m.IsTerminal(pending))
	assert.False(t, m.IsTerminal(approved))
	assert.True(t, m.IsTerminal(rejected))
	assert.True(t, m.IsTerminal(done))
	assert.True(t, m.IsTerminal(failed))

	assert.True(t, m.Allowed(approved, approved))
	assert.True(t, m.Allowed(approved, failed))
	assert.False(t, m.Allowed(pending, done))
	assert.ElementsMatch(t, []string{"stamp", "finish"}, m.Transitions(approved))
}

func TestApply(t *testing.T) {
	s := newTicketStore()
	m := newTicketMachine(t, s)
	ctx := context.Background()

	id := s.add(pending)
	res, err := m.Apply(ctx, id, "approve", reviewer, nil)
	require.NoError(t, err)
	assert.Equal(t, pending, res.From)
	assert.Equal(t, approved, res.To)
	assert.Equal(t, approved, s.rows[id].Status)

	require.Len(t, s.journal, 1)
	assert.Equal(t, Record{
		EntityType: "ticket",
		EntityID:   id,
		Transition: "approve",
		From:       pending,
		To:         approved,
		ActorID:    reviewer.ID,
		At:         time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}, s.journal[0])

	out := m.Outcome(id, res)
	assert.Equal(t, "ticket", out.EntityType)
	assert.False(t, out.Terminal)
}

func TestApplyErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown transition", func(t *testing.T) {
		s := newTicketStore()
		_, err := newTicketMachine(t, s).Apply(ctx, s.add(pending), "teleport", reviewer, nil)
		assert.ErrorIs(t, err, sentinel.ErrInvalidTransition)
	})

	t.Run("missing capability", func(t *testing.T) {
		s := newTicketStore()
		id := s.add(pending)
		_, err := newTicketMachine(t, s).Apply(ctx, id, "approve", actor.New(uuid.New()), nil)
		assert.ErrorIs(t, err, sentinel.ErrForbidden)
		assert.Equal(t, pending, s.rows[id].Status)
	})

	t.Run("not found", func(t *testing.T) {
		s := newTicketStore()
		_, err := newTicketMachine(t, s).Apply(ctx, uuid.New(), "approve", reviewer, nil)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("state not in from", func(t *testing.T) {
		s := newTicketStore()
		_, err := newTicketMachine(t, s).Apply(ctx, s.add(pending), "stamp", reviewer, nil)
		assert.ErrorIs(t, err, sentinel.ErrInvalidTransition)
	})

	t.Run("terminal state rejects rather than no-ops", func(t *testing.T) {
		s := newTicketStore()
		m := newTicketMachine(t, s)
		id := s.add(rejected)
		_, err := m.Apply(ctx, id, "approve", reviewer, nil)
		assert.ErrorIs(t, err, sentinel.ErrAlreadyTerminal)
		assert.Empty(t, s.journal)
	})

	t.Run("re-applying the same transition", func(t *testing.T) {
		s := newTicketStore()
		m := newTicketMachine(t, s)
		id := s.add(pending)
		_, err := m.Apply(ctx, id, "approve", reviewer, nil)
		require.NoError(t, err)
		_, err = m.Apply(ctx, id, "approve", reviewer, nil)
		assert.ErrorIs(t, err, sentinel.ErrAlreadyTerminal)
	})

	t.Run("guard rejection is wrapped", func(t *testing.T) {
		s := newTicketStore()
		id := s.add(pending)
		_, err := newTicketMachine(t, s).Apply(ctx, id, "reject", reviewer, nil)
		assert.ErrorIs(t, err, sentinel.ErrGuardRejected)
		assert.Equal(t, pending, s.rows[id].Status)
	})

	t.Run("guard taxonomy errors pass through", func(t *testing.T) {
		s := newTicketStore()
		m := newTicketMachine(t, s)
		id := s.add(approved)
		res, err := m.Apply(ctx, id, "stamp", reviewer, nil)
		require.NoError(t, err)
		assert.Contains(t, res.Effects, "stamped_at")

		_, err = m.Apply(ctx, id, "stamp", reviewer, nil)
		assert.ErrorIs(t, err, sentinel.ErrAlreadyTerminal)
		assert.NotErrorIs(t, err, sentinel.ErrGuardRejected)
	})

	t.Run("effect failure rolls back the state write", func(t *testing.T) {
		s := newTicketStore()
		id := s.add(approved)
		_, err := newTicketMachine(t, s).Apply(ctx, id, "finish", reviewer, Payload{"score": 80.0, "explode": "yes"})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, approved, s.rows[id].Status)
		assert.Zero(t, s.rows[id].Score)
		assert.Empty(t, s.journal)
	})
}

func TestRoute(t *testing.T) {
	ctx := context.Background()
	s := newTicketStore()
	m := newTicketMachine(t, s)

	pass := s.add(approved)
	res, err := m.Apply(ctx, pass, "finish", reviewer, Payload{"score": 50.0})
	require.NoError(t, err)
	assert.Equal(t, done, res.To)

	fail := s.add(approved)
	res, err = m.Apply(ctx, fail, "finish", reviewer, Payload{"score": 49.0})
	require.NoError(t, err)
	assert.Equal(t, failed, res.To)
	assert.Equal(t, 49.0, s.rows[fail].Score)

	missing := s.add(approved)
	_, err = m.Apply(ctx, missing, "finish", reviewer, nil)
	assert.ErrorIs(t, err, sentinel.ErrGuardRejected)

	bad := s.add(approved)
	_, err = m.Apply(ctx, bad, "finish", reviewer, Payload{"score": "lots"})
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)
}

func TestConcurrentApplyHasOneWinner(t *testing.T) {
	s := newTicketStore()
	m := newTicketMachine(t, s)
	id := s.add(pending)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Apply(context.Background(), id, "approve", reviewer, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, sentinel.ErrAlreadyTerminal)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, s.journal, 1)
}

// Whatever sequence of transitions is attempted, the journal of every ticket
// is a connected walk along declared edges that starts at the initial state.
func TestJournalIsAlwaysAValidPath(t *testing.T) {
	names := []string{"approve", "reject", "stamp", "finish", "teleport"}

	rapid.Check(t, func(rt *rapid.T) {
		s := newTicketStore()
		fixed := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
		m, err := New(ticketDefinition(), s.binding(), WithClock(func() time.Time { return fixed }))
		if err != nil {
			rt.Fatalf("new machine: %v", err)
		}

		ids := make([]uuid.UUID, rapid.IntRange(1, 4).Draw(rt, "tickets"))
		for i := range ids {
			ids[i] = s.add(pending)
		}

		steps := rapid.IntRange(0, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			name := rapid.SampledFrom(names).Draw(rt, "transition")
			payload := Payload{
				"reason": rapid.SampledFrom([]string{"", "incomplete"}).Draw(rt, "reason"),
				"score":  float64(rapid.IntRange(0, 100).Draw(rt, "score")),
			}
			_, _ = m.Apply(context.Background(), id, name, reviewer, payload)
		}

		last := make(map[uuid.UUID]State)
		for _, id := range ids {
			last[id] = pending
		}
		for _, rec := range s.journal {
			if !m.Declared(rec.To) {
				rt.Fatalf("undeclared state %q", rec.To)
			}
			if rec.From != last[rec.EntityID] {
				rt.Fatalf("journal gap for %s: at %q, record starts at %q", rec.EntityID, last[rec.EntityID], rec.From)
			}
			if !m.Allowed(rec.From, rec.To) {
				rt.Fatalf("undeclared edge %q -> %q", rec.From, rec.To)
			}
			last[rec.EntityID] = rec.To
		}
		for _, id := range ids {
			if s.rows[id].Status != last[id] {
				rt.Fatalf("stored state %q disagrees with journal %q", s.rows[id].Status, last[id])
			}
		}
	})
}
