package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleWriterPrunesDuplicateKeys(t *testing.T) {
	var out bytes.Buffer
	log := zerolog.New(&consoleWriter{out: &out}).With().Timestamp().Str("version", "2026.1.0").Logger()
	log.Debug().Str("version", "2026.2.0").Int("deferrals", 2).Msg("Update deferred")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &event))

	assert.Equal(t, "2026.2.0", event["version"])
	assert.Equal(t, float64(2), event["deferrals"])
	assert.Equal(t, "debug", event["level"])
	assert.Equal(t, "Update deferred", event["message"])
	assert.Contains(t, event, "time")
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte(`"version"`)))
}

func TestConsoleWriterRejectsInvalidEvent(t *testing.T) {
	var out bytes.Buffer
	w := &consoleWriter{out: &out}

	n, err := w.Write([]byte("not json"))
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Zero(t, out.Len())
}
