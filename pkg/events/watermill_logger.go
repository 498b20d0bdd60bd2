package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// WatermillLogger routes watermill's internal logging through zerolog so bus
// internals show up in the same stream as everything else.
type WatermillLogger struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*WatermillLogger)(nil)

func NewWatermillLogger(logger zerolog.Logger) *WatermillLogger {
	return &WatermillLogger{logger: logger.With().Str("component", "watermill").Logger()}
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.event(w.logger.Error().Err(err), fields, msg)
}

func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.event(w.logger.Debug(), fields, msg)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.event(w.logger.Debug(), fields, msg)
}

func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.event(w.logger.Trace(), fields, msg)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	logger := w.logger
	for k, v := range fields {
		logger = logger.With().Interface(k, v).Logger()
	}
	return &WatermillLogger{logger: logger}
}

func (w *WatermillLogger) event(ev *zerolog.Event, fields watermill.LogFields, msg string) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
