// Package alerts is the structured event sink for operator alerts. The
// reconciler, the liquidator and the integrity checker raise alerts
// through a Notifier; the SL/TP drain worker takes no Notifier and only
// logs its outcomes.
package alerts

import (
	"github.com/rs/zerolog/log"
)

// Level grades an alert
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Notifier delivers alerts to an operator channel
type Notifier interface {
	Alert(level Level, title, message string)
}

// LogNotifier writes alerts to the structured log only
type LogNotifier struct{}

func (LogNotifier) Alert(level Level, title, message string) {
	ev := log.Info()
	switch level {
	case LevelWarning:
		ev = log.Warn()
	case LevelCritical:
		ev = log.Error()
	}
	ev.Str("alert", title).Msg(message)
}

// Multi fans one alert out to several sinks
type Multi []Notifier

func (m Multi) Alert(level Level, title, message string) {
	for _, n := range m {
		n.Alert(level, title, message)
	}
}
