// pkg/chaos/chaos.go
//
// Package chaos runs fault-injection experiments: check a steady state,
// inject faults, observe the system, roll back and validate the hypothesis.
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrSteadyStateInvalid aborts an experiment before any fault is injected.
var ErrSteadyStateInvalid = errors.New("chaos: steady state invalid")

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	BlastRadius float64 // 0.0 to 1.0 (share of the system affected)
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether v satisfies the threshold. Unknown operators never
// hold.
func (t Threshold) Holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action represents a fault injection or recovery action
type Action struct {
	Type       string // concurrent-requests, dependency-outage, ...
	Target     string
	Parameters map[string]any
	Execute    func(context.Context) error
}

// Assertion validates experiment outcome against the last observation of
// Metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments
type Engine struct {
	tracer   trace.Tracer
	runs     metric.Int64Counter
	logger   *slog.Logger
	interval time.Duration
	pause    time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

type Option func(*Engine)

// WithSampleInterval sets how often metrics are sampled while observing.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithPause sets the wait between game day experiments.
func WithPause(d time.Duration) Option {
	return func(e *Engine) { e.pause = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		tracer:   otel.Tracer("kfalifecycle/chaos"),
		logger:   slog.Default(),
		interval: time.Second,
		pause:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.runs, _ = otel.Meter("kfalifecycle/chaos").Int64Counter("kfa_chaos_experiments",
		metric.WithDescription("Chaos experiments run, by outcome"))
	return e
}

// Register adds an experiment to the suite
func (e *Engine) Register(exp ...Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp...)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns every completed run.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single chaos experiment
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
			attribute.Float64("experiment.blast_radius", exp.BlastRadius),
		),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	// Phase 1: steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.record(ctx, result, "aborted")
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	// Phase 2: inject
	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.addError(action.Target, err)
			span.RecordError(err)
		}
	}

	// Phase 3: observe
	span.AddEvent("observing_system")
	o := observer{result: result}
	o.sample(ctx, exp.SteadyState)
	e.observe(ctx, exp, &o)

	// Phase 4: roll back, then sample once more to see the recovery
	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			result.addError(action.Target, err)
			span.RecordError(err)
		}
	}
	o.sample(ctx, exp.SteadyState)

	// Phase 5: assertions
	span.AddEvent("validating_assertions")
	result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	outcome := "held"
	if !result.HypothesisHeld {
		outcome = "violated"
	}
	e.record(ctx, result, outcome)

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) observe(ctx context.Context, exp Experiment, o *observer) {
	if exp.Duration <= 0 {
		return
	}
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
			o.sample(ctx, exp.SteadyState)
		}
	}
}

func (e *Engine) record(ctx context.Context, r *Result, outcome string) {
	e.mu.Lock()
	e.results = append(e.results, *r)
	e.mu.Unlock()
	e.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("experiment", r.ExperimentName),
		attribute.String("outcome", outcome),
	))
}

// observer records samples and tracks time to recovery.
type observer struct {
	result        *Result
	recoveryStart time.Time
	recovered     bool
}

func (o *observer) sample(ctx context.Context, metrics []Metric) {
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			o.result.addError(m.Name, err)
			continue
		}
		now := time.Now()
		o.result.Observations[m.Name] = append(o.result.Observations[m.Name], DataPoint{Timestamp: now, Value: value})

		if !m.Threshold.Holds(value) {
			if o.recoveryStart.IsZero() {
				o.recoveryStart = now
			}
			o.result.Violations = append(o.result.Violations, MetricViolation{
				MetricName: m.Name,
				Expected:   m.Threshold.Value,
				Actual:     value,
				Timestamp:  now,
			})
		} else if !o.recoveryStart.IsZero() && !o.recovered {
			mttr := now.Sub(o.recoveryStart)
			o.result.MTTR = &mttr
			o.recovered = true
		}
	}
}

func (r *Result) addError(component string, err error) {
	r.ErrorEvents = append(r.ErrorEvents, ErrorEvent{
		Timestamp: time.Now(),
		Error:     err.Error(),
		Component: component,
	})
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	var violations []MetricViolation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "steady state query failed", "metric", m.Name, "error", err)
			value = -1
		}
		if err != nil || !m.Threshold.Holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: m.Name,
				Expected:   m.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return len(violations) == 0, violations
}

// validateAssertions returns the messages of the assertions that failed.
func validateAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		observations := result.Observations[a.Metric]
		if len(observations) == 0 || !a.Condition(observations[len(observations)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Participants []string
	Runbooks     map[string]string
}

// ExecuteGameDay runs every scenario in order and returns the results of the
// ones that got past their steady state check.
func (e *Engine) ExecuteGameDay(ctx context.Context, gd GameDay) ([]*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gd.Name)),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "game day started",
		"name", gd.Name,
		"date", gd.Date,
		"participants", gd.Participants,
		"scenarios", len(gd.Scenarios),
	)

	var results []*Result
	for i, scenario := range gd.Scenarios {
		if i > 0 && e.pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(e.pause):
			}
		}
		e.logger.InfoContext(ctx, "experiment started",
			"index", i+1,
			"name", scenario.Name,
			"hypothesis", scenario.Hypothesis,
		)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			e.logger.ErrorContext(ctx, "experiment aborted", "name", scenario.Name, "error", err)
			continue
		}
		e.logResult(ctx, result, gd.Runbooks[scenario.Name])
		results = append(results, result)
	}
	return results, ctx.Err()
}

func (e *Engine) logResult(ctx context.Context, r *Result, runbook string) {
	attrs := []any{
		"name", r.ExperimentName,
		"hypothesis_held", r.HypothesisHeld,
		"violations", len(r.Violations),
		"errors", len(r.ErrorEvents),
		"duration", r.Duration,
	}
	if r.MTTR != nil {
		attrs = append(attrs, "mttr", *r.MTTR)
	}
	if r.HypothesisHeld {
		e.logger.InfoContext(ctx, "hypothesis held", attrs...)
		return
	}
	attrs = append(attrs, "failed_assertions", r.FailedAssertions)
	if runbook != "" {
		attrs = append(attrs, "runbook", runbook)
	}
	e.logger.WarnContext(ctx, "hypothesis violated", attrs...)
}
