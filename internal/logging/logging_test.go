package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l)

	l, err = ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_Stdout(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(&buf, Options{Level: "warn"})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.WithField("leg", "call").Warn("stop tightened")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "stop tightened")
	assert.Contains(t, out, "leg=call")
}

func TestNew_DebugOverride(t *testing.T) {
	logger, closer, err := New(&bytes.Buffer{}, Options{Level: "error", Debug: true})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNew_File(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "strangler.log")
	logger, closer, err := New(&buf, Options{File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("session started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session started")
	assert.Contains(t, buf.String(), "session started")
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New(nil, Options{Level: "verbose"})
	assert.Error(t, err)
}
