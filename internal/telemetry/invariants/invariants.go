// Package invariants checks the session guarantees benchrun depends on and
// records every violation as an event on the active trace span.
package invariants

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Invariant names.
const (
	ServerStoppedOnce        = "server_stopped_once"
	ClientRequiresLiveServer = "client_requires_live_server"
	LocaleCountPositive      = "locale_count_positive"
	StateTransitionLegal     = "state_transition_legal"
)

// EventName is the span event recorded for a violation.
const EventName = "invariant.violation"

// Violation is a broken invariant. Checks return it as their error.
type Violation struct {
	Invariant string
	Where     string
	Detail    string
	Attrs     []attribute.KeyValue
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant %s violated in %s: %s", v.Invariant, v.Where, v.Detail)
}

// record attaches v to the span in ctx, if one is recording, and returns it.
func record(ctx context.Context, v *Violation) error {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(v.Attrs)+3)
		attrs = append(attrs,
			attribute.String("invariant", v.Invariant),
			attribute.String("where", v.Where),
			attribute.String("detail", v.Detail),
		)
		span.AddEvent(EventName, trace.WithAttributes(append(attrs, v.Attrs...)...))
	}
	return v
}

// CheckServerStoppedOnce fails unless a started server saw exactly one stop.
func CheckServerStoppedOnce(ctx context.Context, where string, stopCalls int) error {
	if stopCalls == 1 {
		return nil
	}
	return record(ctx, &Violation{
		Invariant: ServerStoppedOnce,
		Where:     where,
		Detail:    fmt.Sprintf("server stopped %d times", stopCalls),
		Attrs:     []attribute.KeyValue{attribute.Int("stop_calls", stopCalls)},
	})
}

// CheckClientRequiresLiveServer fails when a client is about to run against
// a stopped server.
func CheckClientRequiresLiveServer(ctx context.Context, where, client, address string, live bool) error {
	if live {
		return nil
	}
	return record(ctx, &Violation{
		Invariant: ClientRequiresLiveServer,
		Where:     where,
		Detail:    fmt.Sprintf("client %s targets stopped server %s", client, address),
		Attrs: []attribute.KeyValue{
			attribute.String("client", client),
			attribute.String("server.address", address),
		},
	})
}

// CheckLocaleCountPositive fails for a locale count below one.
func CheckLocaleCountPositive(ctx context.Context, where string, count int) error {
	if count >= 1 {
		return nil
	}
	return record(ctx, &Violation{
		Invariant: LocaleCountPositive,
		Where:     where,
		Detail:    fmt.Sprintf("locale count %d", count),
		Attrs:     []attribute.KeyValue{attribute.Int("locale_count", count)},
	})
}

// CheckStateTransitionLegal fails for a transition the session lifecycle
// does not allow.
func CheckStateTransitionLegal(ctx context.Context, where, from, to string, legal bool) error {
	if legal {
		return nil
	}
	return record(ctx, &Violation{
		Invariant: StateTransitionLegal,
		Where:     where,
		Detail:    fmt.Sprintf("%s -> %s", from, to),
		Attrs: []attribute.KeyValue{
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		},
	})
}
