package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "no-op logger should not reach the previous logger")
}

func TestDebugf_GatedByVerbose(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetVerbose(false)
	}()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	SetVerbose(false)
	Debugf("hidden %d", 1)
	assert.Empty(t, lines)

	SetVerbose(true)
	assert.True(t, Verbose())
	Debugf("shown %d", 2)
	assert.Equal(t, []string{"shown 2"}, lines)
}
