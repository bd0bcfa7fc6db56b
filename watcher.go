// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"github.com/sirupsen/logrus"
)

type (
	// Watcher is the log sink used by durable connections, tunnels and
	// message handlers. Implementations must never panic.
	Watcher interface {
		Debugf(format string, args ...any)
		Infof(format string, args ...any)
		Warnf(format string, args ...any)
		Errorf(format string, args ...any)
		Error(err error)

		// IsDebugEnabled reports whether debug diagnostics should be produced.
		IsDebugEnabled() bool

		// WithField returns a watcher that annotates every entry with key.
		WithField(key string, value any) Watcher
	}

	logrusWatcher struct {
		entry *logrus.Entry
	}
)

// NewLogrusWatcher creates a Watcher on top of a logrus logger.
func NewLogrusWatcher(logger *logrus.Logger) Watcher {
	return &logrusWatcher{entry: logrus.NewEntry(logger)}
}

// DefaultWatcher logs through the logrus standard logger.
func DefaultWatcher() Watcher {
	return NewLogrusWatcher(logrus.StandardLogger())
}

func (w *logrusWatcher) Debugf(format string, args ...any) {
	w.entry.Debugf("tunnelmq "+format, args...)
}

func (w *logrusWatcher) Infof(format string, args ...any) {
	w.entry.Infof("tunnelmq "+format, args...)
}

func (w *logrusWatcher) Warnf(format string, args ...any) {
	w.entry.Warnf("tunnelmq "+format, args...)
}

func (w *logrusWatcher) Errorf(format string, args ...any) {
	w.entry.Errorf("tunnelmq "+format, args...)
}

func (w *logrusWatcher) Error(err error) {
	if err == nil {
		return
	}
	w.entry.WithError(err).Error("tunnelmq error")
}

func (w *logrusWatcher) IsDebugEnabled() bool {
	return w.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (w *logrusWatcher) WithField(key string, value any) Watcher {
	return &logrusWatcher{entry: w.entry.WithField(key, value)}
}
