// Package session drives one benchmark run: resolve locales, start the
// server, run every client in order, and always tear the server down.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benchrun/benchrun/internal/client"
	"github.com/benchrun/benchrun/internal/events"
	"github.com/benchrun/benchrun/internal/logging"
	"github.com/benchrun/benchrun/internal/server"
	"github.com/benchrun/benchrun/internal/state"
	"github.com/benchrun/benchrun/internal/telemetry/invariants"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InterruptedExitCode is folded into the aggregate when the run is cancelled.
const InterruptedExitCode = 130

// ErrNoClients is returned when Run is given nothing to execute.
var ErrNoClients = errors.New("at least one client is required")

// LocaleResolver decides how many locales the server runs with.
type LocaleResolver interface {
	Resolve(override *int) (int, error)
}

// Lifecycle starts and stops the server.
type Lifecycle interface {
	Start(ctx context.Context, localeCount int) (*server.Handle, error)
	Stop(ctx context.Context, handle *server.Handle) error
}

// Invoker runs one client against host:port.
type Invoker interface {
	Invoke(ctx context.Context, spec client.Spec, host string, port int) (client.Result, error)
}

// ClientOutcome is one client's result within a session.
type ClientOutcome struct {
	client.Result
	// Err is set when the client could not be launched.
	Err error
}

// Report summarizes a finished session.
type Report struct {
	SessionID string
	Status    Status
	Locales   int
	Address   string
	Clients   []ClientOutcome
	History   []state.TransitionRecord
	// TeardownErr is set when the server could not be confirmed stopped.
	// It does not affect Status.
	TeardownErr error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logging.OrDiscard(logger)
	}
}

// WithBus publishes session, server, and client events to bus.
func WithBus(bus events.Bus) Option {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithTracer sets the tracer for session spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithSessionID fixes the ID used for the next runs instead of a random one.
func WithSessionID(id string) Option {
	return func(c *Coordinator) {
		c.newID = func() string { return id }
	}
}

// Coordinator runs sessions. It is safe to reuse sequentially.
type Coordinator struct {
	resolver  LocaleResolver
	lifecycle Lifecycle
	invoker   Invoker
	logger    *log.Logger
	bus       events.Bus
	tracer    trace.Tracer
	newID     func() string
	now       func() time.Time
}

// New creates a Coordinator with required dependencies.
func New(resolver LocaleResolver, lifecycle Lifecycle, invoker Invoker, options ...Option) (*Coordinator, error) {
	if resolver == nil {
		return nil, errors.New("locale resolver is required")
	}
	if lifecycle == nil {
		return nil, errors.New("server lifecycle is required")
	}
	if invoker == nil {
		return nil, errors.New("client invoker is required")
	}

	c := &Coordinator{
		resolver:  resolver,
		lifecycle: lifecycle,
		invoker:   invoker,
		logger:    logging.Discard(),
		tracer:    otel.Tracer("benchrun/session"),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c, nil
}

// run holds the mutable state of one Run call.
type run struct {
	*Coordinator
	id        string
	machine   *state.Machine
	logger    *log.Logger
	report    Report
	handle    *server.Handle
	stopCalls int
}

// Run executes specs sequentially against a freshly started server. The
// returned report is always populated; err describes the first fatal problem
// (configuration, server start, or interruption). Client failures are only
// reflected in Report.Status.
func (c *Coordinator) Run(ctx context.Context, specs []client.Spec, override *int) (report Report, err error) {
	if c == nil {
		return Report{Status: FromExitCode(1)}, errors.New("coordinator is nil")
	}
	if len(specs) == 0 {
		return Report{Status: FromExitCode(1)}, ErrNoClients
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id := strings.TrimSpace(c.newID())
	machine, err := state.NewMachine(id, state.WithTracer(c.tracer), state.WithBus(c.bus))
	if err != nil {
		return Report{Status: FromExitCode(1)}, fmt.Errorf("create session state machine: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String("session_id", id),
		attribute.Int("client_count", len(specs)),
	))
	r := &run{
		Coordinator: c,
		id:          id,
		machine:     machine,
		logger:      c.logger.With("session_id", id),
		report:      Report{SessionID: id, Status: Success},
	}

	defer func() {
		r.teardown(ctx)
		report = r.report
		report.History = machine.History()
		span.SetAttributes(
			attribute.Int("exit_code", report.Status.ExitCode()),
			attribute.Int("locales", report.Locales),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if report.Status.Failed() {
			span.SetStatus(codes.Error, "one or more clients failed")
		} else {
			span.SetStatus(codes.Ok, "session completed")
		}
		span.End()
	}()

	err = r.execute(ctx, specs, override)
	return r.report, err
}

func (r *run) execute(ctx context.Context, specs []client.Spec, override *int) error {
	locales, err := r.resolver.Resolve(override)
	if err != nil {
		r.fail(1)
		r.logger.Error("locale resolution failed", "err", err)
		return fmt.Errorf("resolve locales: %w", err)
	}
	if err := invariants.CheckLocaleCountPositive(ctx, "session.resolve_locales", locales); err != nil {
		r.fail(1)
		return err
	}
	r.report.Locales = locales
	if err := r.transition(ctx, state.LocalesResolved, fmt.Sprintf("%d locales", locales)); err != nil {
		return err
	}

	if err := r.transition(ctx, state.ServerStarting, ""); err != nil {
		return err
	}
	handle, err := r.lifecycle.Start(ctx, locales)
	if err != nil {
		if !r.interrupted(ctx) {
			r.fail(1)
		}
		r.logger.Error("server start failed", "locales", locales, "err", err)
		return fmt.Errorf("start server: %w", err)
	}
	if handle == nil {
		r.fail(1)
		return errors.New("start server: no handle returned")
	}
	r.handle = handle
	r.report.Address = handle.Address()
	r.logger.Info("server running", "address", handle.Address(), "pid", handle.PID, "locales", locales)
	r.publish(events.EventTypeServerReady, events.SeverityInfo, handle.Address())
	if err := r.transition(ctx, state.ServerRunning, handle.Address()); err != nil {
		return err
	}

	if err := r.transition(ctx, state.ClientsRunning, fmt.Sprintf("%d clients", len(specs))); err != nil {
		return err
	}
	for index, spec := range specs {
		if ctx.Err() != nil {
			r.logger.Warn("session interrupted, skipping remaining clients", "remaining", len(specs)-index)
			r.interrupted(ctx)
			return fmt.Errorf("session interrupted: %w", context.Cause(ctx))
		}
		if err := invariants.CheckClientRequiresLiveServer(ctx, "session.invoke_client", spec.Label(), handle.Address(), handle.Live()); err != nil {
			r.fail(1)
			return err
		}
		r.invoke(ctx, index, spec)
	}
	if ctx.Err() != nil {
		r.interrupted(ctx)
		return fmt.Errorf("session interrupted: %w", context.Cause(ctx))
	}
	return nil
}

func (r *run) invoke(ctx context.Context, index int, spec client.Spec) {
	logger := r.logger.With("client", spec.Label(), "index", index)
	ctx, span := r.tracer.Start(ctx, "session.client", trace.WithAttributes(
		attribute.String("client", spec.Label()),
		attribute.String("path", spec.Path),
		attribute.Int("index", index),
	))
	defer span.End()

	r.publish(events.EventTypeClientStarted, events.SeverityInfo, spec)
	result, err := r.invoker.Invoke(ctx, spec, r.handle.Host, r.handle.Port)
	outcome := ClientOutcome{Result: result, Err: err}
	if outcome.Spec.Path == "" {
		outcome.Spec = spec
	}

	if err != nil {
		if !errors.Is(err, client.ErrLaunch) && outcome.ExitCode == 0 {
			outcome.ExitCode = 1
		}
		if errors.Is(err, client.ErrLaunch) {
			logger.Error("client could not be launched", "path", spec.Path, "err", err)
			r.publish(events.EventTypeClientLaunchFailed, events.SeverityError, outcome)
		} else {
			logger.Error("client invocation failed", "err", err)
			r.publish(events.EventTypeClientExited, events.SeverityError, outcome)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		severity := events.SeverityInfo
		if !outcome.Success() {
			severity = events.SeverityWarn
			logger.Warn("client failed", "exit_code", outcome.ExitCode)
		} else {
			logger.Info("client succeeded", "duration", outcome.Duration.String())
		}
		r.publish(events.EventTypeClientExited, severity, outcome)
	}

	span.SetAttributes(attribute.Int("exit_code", outcome.ExitCode))
	r.report.Clients = append(r.report.Clients, outcome)
	r.report.Status = r.report.Status.Combine(FromExitCode(outcome.ExitCode))
}

// teardown stops the server at most once and finishes the state machine. It
// runs on every exit path of Run, including panics.
func (r *run) teardown(ctx context.Context) {
	if current := r.machine.Current(); current != state.Teardown && current != state.Done {
		reason := "completed"
		if r.report.Status.Failed() {
			reason = "failed"
		}
		if err := r.transition(ctx, state.Teardown, reason); err != nil {
			r.logger.Error("enter teardown", "err", err)
		}
	}

	if r.handle != nil && r.stopCalls == 0 {
		r.stopCalls++
		stopCtx := context.WithoutCancel(ctx)
		if err := r.lifecycle.Stop(stopCtx, r.handle); err != nil {
			r.report.TeardownErr = err
			r.logger.Error("server teardown failed", "address", r.handle.Address(), "pid", r.handle.PID, "err", err)
			r.publish(events.EventTypeSystemAlert, events.SeverityError, err.Error())
		} else {
			r.logger.Info("server stopped", "address", r.handle.Address())
			r.publish(events.EventTypeServerStopped, events.SeverityInfo, r.handle.Address())
		}
		if err := invariants.CheckServerStoppedOnce(ctx, "session.teardown", r.stopCalls); err != nil {
			r.logger.Error("teardown invariant violated", "err", err)
		}
	}

	if r.machine.Current() == state.Teardown {
		if err := r.transition(ctx, state.Done, r.report.Status.String()); err != nil {
			r.logger.Error("finish session", "err", err)
		}
	}
	r.logger.Info("session finished", "status", r.report.Status.String(), "exit_code", r.report.Status.ExitCode())
}

func (r *run) transition(ctx context.Context, to state.State, reason string) error {
	if err := r.machine.Transition(ctx, to, reason); err != nil {
		r.fail(1)
		return fmt.Errorf("session state: %w", err)
	}
	return nil
}

func (r *run) fail(code int) {
	r.report.Status = r.report.Status.Combine(FromExitCode(code))
}

// interrupted folds InterruptedExitCode into the status when ctx is done.
func (r *run) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	r.fail(InterruptedExitCode)
	return true
}

func (r *run) publish(eventType string, severity string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:       eventType,
		Timestamp:  r.now().UTC(),
		EntityType: "session",
		EntityID:   r.id,
		Payload:    payload,
		Severity:   severity,
	})
}
