// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusWatcher(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	watcher := NewLogrusWatcher(logger).WithField("identity", "localhost:5672/")

	watcher.Debugf("debug %d", 1)
	watcher.Infof("info %d", 2)
	watcher.Warnf("warn %d", 3)
	watcher.Errorf("error %d", 4)
	watcher.Error(errors.New("boom"))
	watcher.Error(nil)

	entries := hook.AllEntries()
	require.Len(t, entries, 5)

	expected := []struct {
		level   logrus.Level
		message string
	}{
		{logrus.DebugLevel, "tunnelmq debug 1"},
		{logrus.InfoLevel, "tunnelmq info 2"},
		{logrus.WarnLevel, "tunnelmq warn 3"},
		{logrus.ErrorLevel, "tunnelmq error 4"},
		{logrus.ErrorLevel, "tunnelmq error"},
	}
	for i, e := range expected {
		assert.Equal(t, e.level, entries[i].Level)
		assert.Equal(t, e.message, entries[i].Message)
		assert.Equal(t, "localhost:5672/", entries[i].Data["identity"])
	}
	assert.EqualError(t, entries[4].Data[logrus.ErrorKey].(error), "boom")
}

func TestLogrusWatcher_IsDebugEnabled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	watcher := NewLogrusWatcher(logger)

	logger.SetLevel(logrus.InfoLevel)
	assert.False(t, watcher.IsDebugEnabled())

	logger.SetLevel(logrus.DebugLevel)
	assert.True(t, watcher.IsDebugEnabled())
}
