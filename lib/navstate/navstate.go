package navstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"harvest-core/lib/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = telemetry.Tracer("harvest.lib.navstate")

type State string

const (
	Initial      State = "initial"
	Loading      State = "loading"
	Loaded       State = "loaded"
	InputReady   State = "input-ready"
	ResultsReady State = "results-ready"
	Error        State = "error"
)

// the page lifecycle is a loop: navigate, land, find the inputs,
// submit, read results, navigate again. anything else is a driver
// bug, so it gets rejected instead of silently recorded.
var transitions = map[State][]State{
	Initial:      {Loading},
	Loading:      {Loaded, ResultsReady, Error},
	Loaded:       {InputReady, Loading, Error},
	InputReady:   {Loading, ResultsReady, Error},
	ResultsReady: {InputReady, Loading, Error},
	Error:        {Loading},
}

var ErrIllegalTransition = fmt.Errorf("illegal state transition")

// a transition whose validator kept failing until attempts ran out.
// the machine is left in the error state. this is an ordinary
// retryable failure from the coordinator's point of view.
type TransitionError struct {
	From     State
	To       State
	Attempts int
	Cause    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf(
		"transition %s -> %s failed after %d attempts: %s",
		e.From, e.To, e.Attempts, e.Cause,
	)
}

func (e *TransitionError) Unwrap() error {
	return e.Cause
}

// Validator confirms that the page really is in the target state,
// typically by locating an element that only that state shows.
type Validator func(ctx context.Context) error

type Transition struct {
	From     State
	To       State
	At       time.Time
	Attempts int
}

type Options struct {
	// defaults to 3
	MaxAttempts int
	// delay between validation attempts, defaults to 500ms
	Backoff time.Duration
	// attached to logs for attribution
	Step string
}

// Machine tracks where a worker's page is in its lifecycle. not safe
// for concurrent use, one worker owns one machine.
type Machine struct {
	maxAttempts int
	backoff     time.Duration
	step        string

	current State
	history []Transition
}

func New(opts Options) *Machine {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Millisecond * 500
	}
	return &Machine{
		maxAttempts: maxAttempts,
		backoff:     backoff,
		step:        opts.Step,
		current:     Initial,
	}
}

func (m *Machine) Current() State {
	return m.current
}

// every transition the machine has gone through, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) CanTransition(to State) bool {
	for _, allowed := range transitions[m.current] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the machine to `to` once `validate` confirms the
// page got there. validation is retried with backoff up to the
// configured attempt limit, exhaustion parks the machine in the error
// state. a nil validator transitions immediately.
func (m *Machine) TransitionTo(ctx context.Context, to State, validate Validator) error {
	ctx, span := tracer.Start(ctx, "machine:TransitionTo", trace.WithAttributes(
		attribute.String("from", string(m.current)),
		attribute.String("to", string(to)),
	))
	defer span.End()

	from := m.current
	if !m.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	if validate == nil {
		m.record(from, to, 1)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = validate(ctx)
		if lastErr == nil {
			m.record(from, to, attempt)
			return nil
		}

		span.AddEvent("validation failed", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("err", lastErr.Error()),
		))
		slog.DebugContext(
			ctx, "state validation failed",
			"step", m.step,
			"from", from,
			"to", to,
			"attempt", attempt,
			"err", lastErr,
		)

		if attempt == m.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			// cancellation is not a validation verdict, leave the
			// machine where it was
			return ctx.Err()
		case <-time.After(m.backoff):
		}
	}

	m.record(from, Error, m.maxAttempts)
	return &TransitionError{
		From:     from,
		To:       to,
		Attempts: m.maxAttempts,
		Cause:    lastErr,
	}
}

// Reset returns the machine to the initial state, e.g. after the
// worker recycles its driver. the reset shows up in the history.
func (m *Machine) Reset() {
	m.record(m.current, Initial, 1)
}

func (m *Machine) record(from, to State, attempts int) {
	m.history = append(m.history, Transition{
		From:     from,
		To:       to,
		At:       time.Now(),
		Attempts: attempts,
	})
	m.current = to
}
