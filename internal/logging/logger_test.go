package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNewVerboseForcesDebug(t *testing.T) {
	l, err := New(Options{Level: "error", Verbose: true})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1)) // zapcore.DebugLevel
}

func TestGlobalDefaultsToNop(t *testing.T) {
	assert.NotNil(t, L())
	assert.NotNil(t, Named("test"))
}

func TestSetGlobalIgnoresNil(t *testing.T) {
	before := L()
	SetGlobal(nil)
	assert.Equal(t, before, L())
}
