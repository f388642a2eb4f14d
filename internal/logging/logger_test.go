package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	debugs, infos, warns, errors int
}

func (r *recordingLogger) Debug(string, ...any) { r.debugs++ }
func (r *recordingLogger) Info(string, ...any)  { r.infos++ }
func (r *recordingLogger) Warn(string, ...any)  { r.warns++ }
func (r *recordingLogger) Error(string, ...any) { r.errors++ }

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	var typed *recordingLogger
	assert.NotPanics(t, func() {
		OrNop(typed).Info("ignored")
	})

	real := &recordingLogger{}
	OrNop(real).Info("counted")
	assert.Equal(t, 1, real.infos)
}

func TestMultiFansOut(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}

	logger := Multi(a, nil, b)
	logger.Warn("once")
	logger.Error("twice: %d", 2)

	assert.Equal(t, 1, a.warns)
	assert.Equal(t, 1, b.warns)
	assert.Equal(t, 1, a.errors)
	assert.Equal(t, 1, b.errors)
}

func TestMultiFlattensNested(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}

	nested := Multi(Multi(a), b)
	nested.Debug("hello")

	assert.Equal(t, 1, a.debugs)
	assert.Equal(t, 1, b.debugs)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}
