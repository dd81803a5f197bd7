package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestInitJSON(t *testing.T) {
	saved, savedLevel := Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		Logger = saved
		zerolog.SetGlobalLevel(savedLevel)
	})

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	app := WithApp("dev", "api")
	app.Info().Msg("dropped")
	app.Warn().Int("attempt", 2).Msg("Pull failed, retrying")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "dev", line["namespace"])
	assert.Equal(t, "api", line["app"])
	assert.Equal(t, float64(2), line["attempt"])
	assert.Equal(t, "Pull failed, retrying", line["message"])
}
