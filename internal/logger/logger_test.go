package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Level(false))

	log.Debug().Msg("hidden")
	require.Zero(t, buf.Len())

	log.Info().Str("image", "a.png").Msg("creating weights")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "a.png", entry["image"])
	require.Equal(t, "creating weights", entry["message"])
	require.Contains(t, entry, "time")
}

func TestLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, Level(true))
	require.Equal(t, zerolog.InfoLevel, Level(false))
}
