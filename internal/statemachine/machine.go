// Package statemachine is the transition engine shared by every lifecycle
// workflow. A Definition declares states and named transitions; a Machine
// applies one transition per store transaction: lock the row, check the
// current state, run the guard, write the new state, run the effect and
// journal the step, all or nothing.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/sentinel"
)

// State is one value of an entity's status column.
type State string

// Stateful is implemented by every entity driven by a Machine.
type Stateful interface {
	State() State
	SetState(State)
}

// Transition is a named edge set of the graph.
type Transition[E Stateful] struct {
	Name string
	From []State
	To   State
	// Alt lists further targets Route may pick instead of To.
	Alt        []State
	Route      func(*Context[E]) (State, error)
	Capability actor.Capability
	Guard      func(*Context[E]) error
	Effect     func(*Context[E]) error
}

func (t *Transition[E]) targets() []State {
	return append([]State{t.To}, t.Alt...)
}

// Definition describes one workflow.
type Definition[E Stateful] struct {
	Entity      string
	States      []State
	Transitions []Transition[E]
}

// Binding connects a Machine to its store. Lock must take a row lock inside
// the transaction opened by RunInTx.
type Binding[E Stateful] struct {
	RunInTx func(ctx context.Context, fn func(ctx context.Context) error) error
	Lock    func(ctx context.Context, id uuid.UUID) (E, error)
	Save    func(ctx context.Context, entity E) error
	Journal func(ctx context.Context, rec Record) error
}

// Record is one journal entry: an applied transition.
type Record struct {
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	Transition string    `json:"transition"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	ActorID    uuid.UUID `json:"actor_id"`
	At         time.Time `json:"at"`
}

// Payload carries transition arguments, usually decoded from JSON.
type Payload map[string]any

// Context is what guards, routes and effects see. Ctx carries the open
// transaction.
type Context[E Stateful] struct {
	Ctx     context.Context
	Actor   actor.Actor
	Entity  E
	From    State
	To      State
	Payload Payload
	Now     time.Time

	effects map[string]any
}

// Emit records an effect output returned to the caller.
func (c *Context[E]) Emit(key string, value any) {
	if c.effects == nil {
		c.effects = make(map[string]any)
	}
	c.effects[key] = value
}

// Result is the outcome of a committed transition.
type Result[E Stateful] struct {
	Entity     E
	Transition string
	From       State
	To         State
	Effects    map[string]any
}

// Outcome is the entity-agnostic view of a Result.
type Outcome struct {
	EntityType string         `json:"entity_type"`
	EntityID   uuid.UUID      `json:"entity_id"`
	Transition string         `json:"transition"`
	From       State          `json:"from"`
	To         State          `json:"to"`
	Terminal   bool           `json:"terminal"`
	Effects    map[string]any `json:"effects,omitempty"`
}

// Option configures a Machine.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Machine applies transitions of one Definition.
type Machine[E Stateful] struct {
	def         Definition[E]
	binding     Binding[E]
	transitions map[string]*Transition[E]
	states      map[State]bool
	terminal    map[State]bool
	edges       map[State]map[State]bool
	now         func() time.Time
	tracer      trace.Tracer
	applied     metric.Int64Counter
}

// New validates def and builds a Machine bound to a store.
func New[E Stateful](def Definition[E], b Binding[E], opts ...Option) (*Machine[E], error) {
	if def.Entity == "" {
		return nil, errors.New("statemachine: definition needs an entity name")
	}
	if b.RunInTx == nil || b.Lock == nil || b.Save == nil {
		return nil, fmt.Errorf("statemachine %s: binding needs RunInTx, Lock and Save", def.Entity)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Machine[E]{
		def:         def,
		binding:     b,
		transitions: make(map[string]*Transition[E], len(def.Transitions)),
		states:      make(map[State]bool, len(def.States)),
		terminal:    make(map[State]bool),
		edges:       make(map[State]map[State]bool),
		now:         o.now,
		tracer:      otel.Tracer("kfalifecycle/statemachine"),
	}

	for _, s := range def.States {
		m.states[s] = true
	}

	for i := range def.Transitions {
		t := &def.Transitions[i]
		if t.Name == "" {
			return nil, fmt.Errorf("statemachine %s: transition %d has no name", def.Entity, i)
		}
		if _, dup := m.transitions[t.Name]; dup {
			return nil, fmt.Errorf("statemachine %s: duplicate transition %q", def.Entity, t.Name)
		}
		if len(t.From) == 0 {
			return nil, fmt.Errorf("statemachine %s: transition %q has no source states", def.Entity, t.Name)
		}
		if len(t.Alt) > 0 && t.Route == nil {
			return nil, fmt.Errorf("statemachine %s: transition %q has alternatives but no route", def.Entity, t.Name)
		}
		for _, s := range append(slices.Clone(t.From), t.targets()...) {
			if !m.states[s] {
				return nil, fmt.Errorf("statemachine %s: transition %q uses undeclared state %q", def.Entity, t.Name, s)
			}
		}
		for _, from := range t.From {
			if m.edges[from] == nil {
				m.edges[from] = make(map[State]bool)
			}
			for _, to := range t.targets() {
				m.edges[from][to] = true
			}
		}
		m.transitions[t.Name] = t
	}

	for _, s := range def.States {
		m.terminal[s] = true
		for to := range m.edges[s] {
			if to != s {
				m.terminal[s] = false
				break
			}
		}
	}

	applied, err := otel.Meter("kfalifecycle/statemachine").Int64Counter(
		"lifecycle_transitions_total",
		metric.WithDescription("Transitions attempted, by entity, transition and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("statemachine %s: create counter: %w", def.Entity, err)
	}
	m.applied = applied

	return m, nil
}

// MustNew is New for package-level definitions known to be valid.
func MustNew[E Stateful](def Definition[E], b Binding[E], opts ...Option) *Machine[E] {
	m, err := New(def, b, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// Entity returns the entity type name.
func (m *Machine[E]) Entity() string { return m.def.Entity }

// IsTerminal reports whether no transition leaves s for another state.
func (m *Machine[E]) IsTerminal(s State) bool { return m.terminal[s] }

// Allowed reports whether the graph has an edge from -> to.
func (m *Machine[E]) Allowed(from, to State) bool { return m.edges[from][to] }

// Declared reports whether s is one of the definition's states.
func (m *Machine[E]) Declared(s State) bool { return m.states[s] }

// Transitions returns the transition names available from s.
func (m *Machine[E]) Transitions(s State) []string {
	var names []string
	for _, t := range m.def.Transitions {
		if slices.Contains(t.From, s) {
			names = append(names, t.Name)
		}
	}
	return names
}

// Apply runs the named transition on entity id for the actor.
func (m *Machine[E]) Apply(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload Payload) (*Result[E], error) {
	ctx, span := m.tracer.Start(ctx, "statemachine.apply",
		trace.WithAttributes(
			attribute.String("entity.type", m.def.Entity),
			attribute.String("entity.id", id.String()),
			attribute.String("transition", name),
			attribute.String("actor.id", act.ID.String()),
		),
	)
	defer span.End()

	res, err := m.apply(ctx, id, name, act, payload)

	outcome := "applied"
	if err != nil {
		outcome = "error"
		if kind := sentinel.Classify(err); kind != nil {
			outcome = kind.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetAttributes(
			attribute.String("state.from", string(res.From)),
			attribute.String("state.to", string(res.To)),
		)
	}
	m.applied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", m.def.Entity),
		attribute.String("transition", name),
		attribute.String("outcome", outcome),
	))

	return res, err
}

func (m *Machine[E]) apply(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload Payload) (*Result[E], error) {
	t, ok := m.transitions[name]
	if !ok {
		return nil, sentinel.New(sentinel.ErrInvalidTransition, "%s has no transition %q", m.def.Entity, name)
	}
	if !act.Has(t.Capability) {
		return nil, sentinel.New(sentinel.ErrForbidden, "%s requires capability %s", name, t.Capability)
	}
	if payload == nil {
		payload = Payload{}
	}

	var res *Result[E]
	err := m.binding.RunInTx(ctx, func(ctx context.Context) error {
		entity, err := m.binding.Lock(ctx, id)
		if err != nil {
			return err
		}

		current := entity.State()
		if !slices.Contains(t.From, current) {
			if m.terminal[current] || slices.Contains(t.targets(), current) {
				return sentinel.New(sentinel.ErrAlreadyTerminal, "%s %s is already %s", m.def.Entity, id, current)
			}
			return sentinel.New(sentinel.ErrInvalidTransition, "cannot %s a %s that is %s", name, m.def.Entity, current)
		}

		tc := &Context[E]{
			Ctx:     ctx,
			Actor:   act,
			Entity:  entity,
			From:    current,
			To:      t.To,
			Payload: payload,
			Now:     m.now(),
		}

		if t.Guard != nil {
			if err := t.Guard(tc); err != nil {
				if sentinel.Classify(err) == nil {
					return sentinel.Wrap(sentinel.ErrGuardRejected, err, "%s rejected", name)
				}
				return err
			}
		}

		if t.Route != nil {
			target, err := t.Route(tc)
			if err != nil {
				if sentinel.Classify(err) == nil {
					return sentinel.Wrap(sentinel.ErrGuardRejected, err, "%s rejected", name)
				}
				return err
			}
			if !slices.Contains(t.targets(), target) {
				return fmt.Errorf("statemachine %s: %s routed to undeclared target %q", m.def.Entity, name, target)
			}
			tc.To = target
		}

		entity.SetState(tc.To)

		if t.Effect != nil {
			if err := t.Effect(tc); err != nil {
				return err
			}
		}

		if err := m.binding.Save(ctx, entity); err != nil {
			return err
		}

		if m.binding.Journal != nil {
			rec := Record{
				EntityType: m.def.Entity,
				EntityID:   id,
				Transition: name,
				From:       current,
				To:         tc.To,
				ActorID:    act.ID,
				At:         tc.Now,
			}
			if err := m.binding.Journal(ctx, rec); err != nil {
				return fmt.Errorf("journal transition: %w", err)
			}
		}

		res = &Result[E]{
			Entity:     entity,
			Transition: name,
			From:       current,
			To:         tc.To,
			Effects:    tc.effects,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Outcome converts a Result for transport.
func (m *Machine[E]) Outcome(id uuid.UUID, res *Result[E]) Outcome {
	return Outcome{
		EntityType: m.def.Entity,
		EntityID:   id,
		Transition: res.Transition,
		From:       res.From,
		To:         res.To,
		Terminal:   m.terminal[res.To],
		Effects:    res.Effects,
	}
}
