// Package logging provides the structured event log. Events carry a name
// from a finite taxonomy plus free-form key/value context and are emitted
// through logrus so downstream tooling can parse them.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Event names the structured events the engine emits.
type Event string

const (
	EventApplicationStarted        Event = "APPLICATION_STARTED"
	EventSessionStarted            Event = "SESSION_STARTED"
	EventSessionEnded              Event = "SESSION_ENDED"
	EventCycleStarted              Event = "CYCLE_STARTED"
	EventCycleCompleted            Event = "CYCLE_COMPLETED"
	EventOrderPlaced               Event = "ORDER_PLACED"
	EventOrderFilled               Event = "ORDER_FILLED"
	EventOrderModified             Event = "ORDER_MODIFIED"
	EventOrderCanceled             Event = "ORDER_CANCELED"
	EventOrderTimeout              Event = "ORDER_TIMEOUT"
	EventPositionCreated           Event = "POSITION_CREATED"
	EventPositionClosed            Event = "POSITION_CLOSED"
	EventRisk                      Event = "RISK_EVENT"
	EventUncaughtException         Event = "UNCAUGHT_EXCEPTION"
	EventGracefulShutdownStarted   Event = "GRACEFUL_SHUTDOWN_STARTED"
	EventGracefulShutdownCompleted Event = "GRACEFUL_SHUTDOWN_COMPLETED"
	EventEmergencyShutdown         Event = "EMERGENCY_SHUTDOWN"
)

// Fields is free-form event context.
type Fields = logrus.Fields

// EventLogger emits taxonomy events. Emission failures never propagate to
// callers; logrus swallows writer errors internally.
type EventLogger struct {
	log *logrus.Logger
}

// NewEventLogger builds an EventLogger writing to out (stdout when nil).
func NewEventLogger(out io.Writer) *EventLogger {
	l := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return &EventLogger{log: l}
}

// Emit records one event with its context.
func (e *EventLogger) Emit(ev Event, fields Fields) {
	if e == nil || e.log == nil {
		return
	}
	e.log.WithFields(fields).WithField("event", string(ev)).Info(string(ev))
}

// Warn records a recoverable fault.
func (e *EventLogger) Warn(msg string, fields Fields) {
	if e == nil || e.log == nil {
		return
	}
	e.log.WithFields(fields).Warn(msg)
}

// Error records a non-recoverable fault.
func (e *EventLogger) Error(msg string, fields Fields) {
	if e == nil || e.log == nil {
		return
	}
	e.log.WithFields(fields).Error(msg)
}
