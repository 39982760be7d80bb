package logger

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestResilientMultiWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	multi := resilientMultiWriter{level: zerolog.WarnLevel, writers: []io.Writer{&buf}}
	log := zerolog.New(multi)

	log.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	log.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, os.ErrClosed
}

func TestResilientMultiWriterIgnoresFailures(t *testing.T) {
	var buf bytes.Buffer
	multi := resilientMultiWriter{level: zerolog.DebugLevel, writers: []io.Writer{failingWriter{}, &buf}}
	n, err := multi.Write([]byte("event"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "event", buf.String())
}

func TestCreateConfig(t *testing.T) {
	cfg := CreateConfig("", false, true, "/var/log/agentupdate", "")
	require.NotNil(t, cfg.ConsoleConfig)
	assert.True(t, cfg.ConsoleConfig.asJSON)
	assert.Nil(t, cfg.FileConfig)
	require.NotNil(t, cfg.RollingConfig)
	assert.Equal(t, "/var/log/agentupdate/agentupdate.log", cfg.RollingConfig.Fullpath())
	assert.Equal(t, "info", cfg.MinLevel)

	cfg = CreateConfig("debug", true, false, "/var/log/agentupdate", "/tmp/update.log")
	assert.Nil(t, cfg.ConsoleConfig)
	assert.Nil(t, cfg.RollingConfig, "the log file takes precedence")
	require.NotNil(t, cfg.FileConfig)
	assert.Equal(t, "/tmp/update.log", cfg.FileConfig.Fullpath())
	assert.Equal(t, "debug", cfg.MinLevel)

	cfg = CreateConfig("", true, false, "", "/tmp/logs/")
	assert.Equal(t, "/tmp/logs/agentupdate.log", cfg.FileConfig.Fullpath())
}

func TestCreateWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nested", "update.log")

	log := Create(CreateConfig("warn", DisableTerminalLog, false, "", logFile))
	log.Info().Msg("below level")
	log.Warn().Str("version", "2.0.0").Msg("above level")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "below level")
	assert.Contains(t, string(data), `"version":"2.0.0"`)

	// a second logger on the same path appends to the same file
	again := Create(CreateConfig("info", DisableTerminalLog, false, "", logFile))
	again.Info().Msg("second logger")
	data, err = os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "above level")
	assert.Contains(t, string(data), "second logger")
}

func TestCreateWritesRollingLog(t *testing.T) {
	dir := t.TempDir()
	log := Create(CreateConfig("info", DisableTerminalLog, false, dir, ""))
	log.Info().Msg("rolling")

	data, err := os.ReadFile(filepath.Join(dir, "agentupdate.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "rolling")
}

func TestCreateLoggerFromContext(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "context.log")

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String(LogLevelFlag, "info", "")
	set.String(LogFileFlag, "", "")
	set.String(LogDirectoryFlag, "", "")
	set.String(LogFormatOutputFlag, LogFormatOutputValueJSON, "")
	require.NoError(t, set.Parse([]string{"--" + LogLevelFlag, "debug", "--" + LogFileFlag, logFile}))
	c := cli.NewContext(cli.NewApp(), set, nil)

	log := CreateLoggerFromContext(c, DisableTerminalLog, "error", "")
	log.Debug().Msg("from flags")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "from flags")
	assert.Contains(t, string(data), `"level":"debug"`)
}

func TestCreateLoggerFromContextFallback(t *testing.T) {
	dir := t.TempDir()

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String(LogLevelFlag, "info", "")
	set.String(LogFileFlag, "", "")
	set.String(LogDirectoryFlag, "", "")
	set.String(LogFormatOutputFlag, LogFormatOutputValueDefault, "")
	c := cli.NewContext(cli.NewApp(), set, nil)

	log := CreateLoggerFromContext(c, DisableTerminalLog, "error", dir)
	log.Info().Msg("below fallback level")
	log.Error().Msg("at fallback level")

	data, err := os.ReadFile(filepath.Join(dir, "agentupdate.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "below fallback level")
	assert.Contains(t, string(data), "at fallback level")
}
