package main

import (
	"fmt"

	"github.com/benchrun/benchrun/internal/client"
	"github.com/benchrun/benchrun/internal/events"
	"github.com/benchrun/benchrun/internal/session"
	"github.com/benchrun/benchrun/internal/state"
	"github.com/charmbracelet/log"
)

// logEvent writes every bus event to the runtime log.
func logEvent(logger *log.Logger) events.Handler {
	return func(event events.Event) {
		keyvals := []any{"event", event.Type, "session_id", event.EntityID}
		keyvals = append(keyvals, eventFields(event.Payload)...)
		logger.Log(eventLevel(event.Severity), "session event", keyvals...)
	}
}

func eventFields(payload any) []any {
	switch value := payload.(type) {
	case state.TransitionRecord:
		return []any{"from", value.FromState, "to", value.ToState, "reason", value.Reason}
	case session.ClientOutcome:
		fields := []any{"client", value.Spec.Label(), "exit_code", value.ExitCode, "duration", value.Duration.String()}
		if value.Err != nil {
			fields = append(fields, "err", value.Err)
		}
		return fields
	case client.Spec:
		return []any{"client", value.Label(), "path", value.Path}
	case nil:
		return nil
	default:
		return []any{"detail", fmt.Sprint(value)}
	}
}

func eventLevel(severity string) log.Level {
	switch severity {
	case events.SeverityError:
		return log.ErrorLevel
	case events.SeverityWarn:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}
