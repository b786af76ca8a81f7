package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	output = buf
	mu.Unlock()
	reconfigure()

	return buf, func() {
		mu.Lock()
		output = originalOutput
		mu.Unlock()
		reconfigure()
	}
}

func TestLevelFiltering(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("WARN")
	Info("info message")
	Warn("warn message")

	out := buf.String()
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
}

func TestSetLevelAcceptsSyslogNames(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("notice")
	Info("should show")
	Debug("should not show")

	out := buf.String()
	assert.Contains(t, out, "should show")
	assert.NotContains(t, out, "should not show")
}

func TestContextFieldsAreInjected(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()
	SetLevel("DEBUG")

	lc := NewLogContext("alice@host:1234").WithPool("pool.set").WithLane(3)
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "persisting", "len", 64)

	out := buf.String()
	assert.True(t, strings.Contains(out, "target=alice@host:1234"))
	assert.True(t, strings.Contains(out, "pool_desc=pool.set"))
	assert.True(t, strings.Contains(out, "lane=3"))
	assert.True(t, strings.Contains(out, "len=64"))
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetFormat("json")
	defer SetFormat("text")
	Info("hello", "k", "v")

	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
