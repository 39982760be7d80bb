package logger

import (
	"path/filepath"
)

const (
	// DefaultLogFileName is used when a log directory, or a log path ending in a separator, is given.
	DefaultLogFileName = "agentupdate.log"

	defaultMinLevel = "info"

	// The service logs a few lines per check, so small files that are kept for a month
	// cover many update cycles.
	rollingMaxSizeMB  = 5
	rollingMaxBackups = 3
	rollingMaxAgeDays = 30
)

// Config selects the outputs of a logger. A nil output is disabled.
type Config struct {
	ConsoleConfig *ConsoleConfig
	FileConfig    *FileConfig
	RollingConfig *RollingConfig

	MinLevel string // debug | info | warn | error | fatal
}

type ConsoleConfig struct {
	noColor bool
	asJSON  bool
}

// FileConfig is a single log file that grows without rotation.
type FileConfig struct {
	Dirname  string
	Filename string
}

func (fc *FileConfig) Fullpath() string {
	return filepath.Join(fc.Dirname, fc.Filename)
}

// RollingConfig is a log file rotated by lumberjack.
type RollingConfig struct {
	Dirname  string
	Filename string

	maxSize    int // megabytes
	maxBackups int // files
	maxAge     int // days
}

func (rc *RollingConfig) Fullpath() string {
	return filepath.Join(rc.Dirname, rc.Filename)
}

// consoleOnly is used when no configuration is given.
var consoleOnly = Config{
	ConsoleConfig: &ConsoleConfig{},
	MinLevel:      defaultMinLevel,
}

// CreateConfig builds a logging configuration. A log file takes precedence over a
// rolling log directory when both are given.
func CreateConfig(
	minLevel string,
	disableTerminal bool,
	formatJSON bool,
	rollingLogPath, nonRollingLogFilePath string,
) *Config {
	cfg := &Config{MinLevel: minLevel}
	if cfg.MinLevel == "" {
		cfg.MinLevel = defaultMinLevel
	}

	if !disableTerminal {
		cfg.ConsoleConfig = &ConsoleConfig{asJSON: formatJSON}
	}

	switch {
	case nonRollingLogFilePath != "":
		dirname, filename := filepath.Split(nonRollingLogFilePath)
		if filename == "" {
			filename = DefaultLogFileName
		}
		cfg.FileConfig = &FileConfig{Dirname: dirname, Filename: filename}
	case rollingLogPath != "":
		cfg.RollingConfig = &RollingConfig{
			Dirname:    rollingLogPath,
			Filename:   DefaultLogFileName,
			maxSize:    rollingMaxSizeMB,
			maxBackups: rollingMaxBackups,
			maxAge:     rollingMaxAgeDays,
		}
	}
	return cfg
}
