package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset() {
	mu.Lock()
	defer mu.Unlock()
	root = nil
	opts = Options{}
	loggers = make(map[Category]*Logger)
}

func TestGetBeforeInitializeDiscards(t *testing.T) {
	reset()
	l := Get(CategoryEval)
	require.NotNil(t, l)
	assert.Nil(t, l.sl)

	// Must not panic.
	l.Debug("dropped %d", 1)
	l.Info("dropped")
	l.With("k", "v").Warn("dropped")
	var nilLogger *Logger
	nilLogger.Error("dropped")
}

func TestInitializeEnablesCategories(t *testing.T) {
	reset()
	require.NoError(t, Initialize(Options{Debug: true}))
	assert.NotNil(t, Get(CategoryCompile).sl)
	assert.NotNil(t, Get(CategoryBatch).sl)
}

func TestCategoryWhitelist(t *testing.T) {
	reset()
	require.NoError(t, Initialize(Options{
		Categories: map[Category]bool{CategoryEval: true},
	}))
	assert.NotNil(t, Get(CategoryEval).sl)
	assert.Nil(t, Get(CategoryCLI).sl)
}

func TestReinitializeResetsCache(t *testing.T) {
	reset()
	require.NoError(t, Initialize(Options{Categories: map[Category]bool{CategoryEval: true}}))
	assert.Nil(t, Get(CategoryCLI).sl)

	require.NoError(t, Initialize(Options{}))
	assert.NotNil(t, Get(CategoryCLI).sl)
	Sync()
}
