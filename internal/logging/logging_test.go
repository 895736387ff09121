package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevelKnownAndUnknown(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelCritical, ParseLevel("fatal"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestSetLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	log := For("test")
	log.Info("should not appear")
	log.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestLoggerPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetLevel(LevelInfo)

	For("media").Info("hello %d", 7)
	assert.True(t, strings.Contains(buf.String(), "[media]"))
	assert.True(t, strings.Contains(buf.String(), "hello 7"))
}

func TestCriticalHookFiresOnce(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	calls := 0
	SetCriticalHook(func() { calls++ })
	defer SetCriticalHook(nil)

	log := For("test")
	log.Critical("boom")
	log.Critical("boom again")

	assert.Equal(t, 1, calls)
}
