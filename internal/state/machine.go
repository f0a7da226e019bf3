package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benchrun/benchrun/internal/events"
	"github.com/benchrun/benchrun/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one phase of a harness session.
type State string

const (
	Init            State = "init"
	LocalesResolved State = "locales_resolved"
	ServerStarting  State = "server_starting"
	ServerRunning   State = "server_running"
	ClientsRunning  State = "clients_running"
	Teardown        State = "teardown"
	Done            State = "done"
)

// Every non-terminal state may also move to Teardown; see isAllowed.
var allowedTransitions = map[State]map[State]struct{}{
	Init: {
		LocalesResolved: {},
	},
	LocalesResolved: {
		ServerStarting: {},
	},
	ServerStarting: {
		ServerRunning: {},
	},
	ServerRunning: {
		ClientsRunning: {},
	},
	Teardown: {
		Done: {},
	},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Done
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithBus publishes a StateTransition event for every accepted transition.
func WithBus(bus events.Bus) Option {
	return func(machine *Machine) {
		machine.bus = bus
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks one session's lifecycle and rejects out-of-order moves.
type Machine struct {
	sessionID string
	tracer    trace.Tracer
	bus       events.Bus
	now       func() time.Time

	mu      sync.Mutex
	current State
	history []TransitionRecord
}

// NewMachine builds a state machine positioned at Init.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	machine := &Machine{
		sessionID: sessionID,
		tracer:    otel.Tracer("benchrun/state"),
		now:       time.Now,
		current:   Init,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("benchrun/state")
	}

	return machine, nil
}

// Transition validates and records one move from the current state to toState.
func (m *Machine) Transition(ctx context.Context, toState State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	m.mu.Lock()
	defer m.mu.Unlock()
	fromState := m.current

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(fromState, toState) {
		_ = invariants.CheckStateTransitionLegal(ctx, "state.machine.transition", string(fromState), string(toState), false)
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for session lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventTypeStateTransition,
			Timestamp:  record.Timestamp,
			EntityType: "session",
			EntityID:   m.sessionID,
			Payload:    record,
			Severity:   events.SeverityInfo,
		})
	}
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// Current returns the state the machine is in.
func (m *Machine) Current() State {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState State) bool {
	if toState == Teardown {
		return fromState != Teardown && !fromState.Terminal()
	}
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
