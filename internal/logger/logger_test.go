package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter("debug", "json", &buf))
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log := For("hub")
	log.Info().Str("conn", "c1").Msg("Client registered")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hub", line["component"])
	assert.Equal(t, "c1", line["conn"])
	assert.Equal(t, "Client registered", line["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter("warn", "json", &buf))
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log := For("relay")
	log.Info().Msg("quiet")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestInvalidLevel(t *testing.T) {
	assert.Error(t, InitWithWriter("chatty", "json", &bytes.Buffer{}))
}
