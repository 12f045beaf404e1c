package log

import (
	"bytes"
	"testing"

	"github.com/kataras/golog"
	"github.com/stretchr/testify/assert"
)

func newBufferedGolog() (*golog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	g := golog.New()
	g.SetOutput(&buf)
	g.SetTimeFormat("")
	return g, &buf
}

func TestGologLoggerFormatsMessages(t *testing.T) {
	g, buf := newBufferedGolog()
	logger := NewGologLogger(g)

	logger.Info("queue %s has %d jobs", "crawl", 7)
	assert.Contains(t, buf.String(), "queue crawl has 7 jobs")
}

func TestGologLoggerDefaultsToInfo(t *testing.T) {
	g, buf := newBufferedGolog()
	logger := NewGologLogger(g)
	assert.Equal(t, LogLevelInfo, logger.GetLevel())

	logger.Debug("hidden")
	assert.NotContains(t, buf.String(), "hidden")
	logger.Info("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestGologLoggerLevelControl(t *testing.T) {
	g, buf := newBufferedGolog()
	logger := NewGologLogger(g)

	logger.SetLevel(LogLevelError)
	assert.Equal(t, LogLevelError, logger.GetLevel())
	logger.Warn("quiet")
	logger.Error("loud")
	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")

	logger.SetLevel(LogLevelNone)
	buf.Reset()
	logger.Error("silenced")
	assert.Empty(t, buf.String())

	logger.SetLevel(LogLevelDebug)
	logger.Debug("chatty")
	assert.Contains(t, buf.String(), "chatty")
}
