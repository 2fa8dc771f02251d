package logx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vecjit/vecjit/logx"
)

func TestStderrLevelGetSet(t *testing.T) {
	orig := logx.Stderr()
	defer logx.SetStderr(orig)

	logx.SetStderr(logx.Debug)
	assert.Equal(t, logx.Debug, logx.Stderr())
}

func TestCallbackSinkReceivesAtOrBelowLevel(t *testing.T) {
	orig := logx.CallbackLevel()
	defer logx.SetCallback(orig, nil)

	var got []string
	logx.SetCallback(logx.Warn, func(level logx.Level, msg string) {
		got = append(got, msg)
	})

	logx.Errorf("error one")
	logx.Warnf("warn one")
	logx.Infof("info one: suppressed by callback level")

	assert.Equal(t, []string{"error one", "warn one"}, got)
}

func TestCallbackDisabledByDefaultLevel(t *testing.T) {
	var called bool
	logx.SetCallback(logx.Disable, func(logx.Level, string) { called = true })
	defer logx.SetCallback(logx.Disable, nil)

	logx.Errorf("should not reach callback")
	assert.False(t, called)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "error", logx.Error.String())
	assert.Equal(t, "trace", logx.Trace.String())
	assert.Equal(t, "unknown", logx.Level(99).String())
}
