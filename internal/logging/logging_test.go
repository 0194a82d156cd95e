package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesToFile(t *testing.T) {
	orig := log.Logger
	defer func() { log.Logger = orig }()

	path := filepath.Join(t.TempDir(), "relay.log")
	Init(zerolog.InfoLevel, path)

	log.Debug().Msg("hidden")
	log.Info().Str("ssid", "home").Msg("WiFi connected")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "WiFi connected", entry["message"])
	assert.Equal(t, "home", entry["ssid"])
}

func TestInit_BadPathPanics(t *testing.T) {
	orig := log.Logger
	defer func() { log.Logger = orig }()

	assert.Panics(t, func() { Init(zerolog.InfoLevel, filepath.Join(t.TempDir(), "missing", "relay.log")) })
}

func TestUseClock(t *testing.T) {
	origFunc := zerolog.TimestampFunc
	defer func() { zerolog.TimestampFunc = origFunc }()

	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	msk := time.FixedZone("MSK", 3*3600)
	UseClock(func() time.Time { return fixed }, func() *time.Location { return msk })

	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Timestamp().Logger()
	logger.Info().Msg("tick")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "2025-03-01T12:00:00+03:00", entry["time"])
}
