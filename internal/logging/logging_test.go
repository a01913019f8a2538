package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_InvalidLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"

	_, err := Setup(cfg)
	assert.ErrorContains(t, err, "loud")
}

func TestSetup_SetsGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	cfg := DefaultConfig()
	cfg.Level = "warn"

	closer, err := Setup(cfg)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestNewWriter_TeesIntoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketsync.log")
	cfg := DefaultConfig()
	cfg.File = path

	var console bytes.Buffer
	w, closer := newWriter(&console, cfg)

	logger := zerolog.New(w)
	logger.Info().Str("component", "test").Msg("hello")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNewWriter_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	w, closer := newWriter(&console, DefaultConfig())

	logger := zerolog.New(w)
	logger.Info().Msg("only console")

	assert.NoError(t, closer.Close())
	assert.Contains(t, console.String(), "only console")
}
