package invariants

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingContext(t *testing.T) (context.Context, func() []sdktrace.Event) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := provider.Tracer("test/invariants").Start(context.Background(), "session.run")
	return ctx, func() []sdktrace.Event {
		span.End()
		ended := recorder.Ended()
		require.Len(t, ended, 1)
		return ended[0].Events()
	}
}

func eventAttr(event sdktrace.Event, key attribute.Key) string {
	for _, attr := range event.Attributes {
		if attr.Key == key {
			return attr.Value.Emit()
		}
	}
	return ""
}

func TestChecksRecordViolations(t *testing.T) {
	tests := []struct {
		name      string
		invariant string
		check     func(ctx context.Context) error
		attrKey   attribute.Key
		attrValue string
	}{
		{
			name:      "server stopped twice",
			invariant: ServerStoppedOnce,
			check: func(ctx context.Context) error {
				return CheckServerStoppedOnce(ctx, "session.teardown", 2)
			},
			attrKey:   "stop_calls",
			attrValue: "2",
		},
		{
			name:      "client against stopped server",
			invariant: ClientRequiresLiveServer,
			check: func(ctx context.Context) error {
				return CheckClientRequiresLiveServer(ctx, "session.invoke_client", "argsort", "node01:5555", false)
			},
			attrKey:   "server.address",
			attrValue: "node01:5555",
		},
		{
			name:      "zero locales",
			invariant: LocaleCountPositive,
			check: func(ctx context.Context) error {
				return CheckLocaleCountPositive(ctx, "session.resolve_locales", 0)
			},
			attrKey:   "locale_count",
			attrValue: "0",
		},
		{
			name:      "illegal transition",
			invariant: StateTransitionLegal,
			check: func(ctx context.Context) error {
				return CheckStateTransitionLegal(ctx, "state.machine.transition", "init", "clients_running", false)
			},
			attrKey:   "to_state",
			attrValue: "clients_running",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, finish := recordingContext(t)

			err := tc.check(ctx)
			require.Error(t, err)
			var violation *Violation
			require.True(t, errors.As(err, &violation))
			assert.Equal(t, tc.invariant, violation.Invariant)
			assert.Contains(t, err.Error(), tc.invariant)

			events := finish()
			require.Len(t, events, 1)
			assert.Equal(t, EventName, events[0].Name)
			assert.Equal(t, tc.invariant, eventAttr(events[0], "invariant"))
			assert.Equal(t, tc.attrValue, eventAttr(events[0], tc.attrKey))
		})
	}
}

func TestChecksPassWithoutRecording(t *testing.T) {
	ctx, finish := recordingContext(t)

	assert.NoError(t, CheckServerStoppedOnce(ctx, "session.teardown", 1))
	assert.NoError(t, CheckClientRequiresLiveServer(ctx, "session.invoke_client", "argsort", "node01:5555", true))
	assert.NoError(t, CheckLocaleCountPositive(ctx, "session.resolve_locales", 4))
	assert.NoError(t, CheckStateTransitionLegal(ctx, "state.machine.transition", "init", "locales_resolved", true))

	assert.Empty(t, finish())
}

func TestViolationWithoutSpanIsStillReturned(t *testing.T) {
	err := CheckLocaleCountPositive(context.Background(), "session.resolve_locales", -1)
	require.Error(t, err)
	assert.Equal(t, "invariant locale_count_positive violated in session.resolve_locales: locale count -1", err.Error())
}
