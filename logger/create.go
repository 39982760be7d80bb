package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	fallbacklog "github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnableTerminalLog  = false
	DisableTerminalLog = true

	LogLevelFlag        = "loglevel"
	LogFileFlag         = "logfile"
	LogDirectoryFlag    = "log-directory"
	LogFormatOutputFlag = "output"

	LogFormatOutputValueDefault = "default"
	LogFormatOutputValueJSON    = "json"

	dirPermMode  = 0744 // rwxr--r--
	filePermMode = 0644 // rw-r--r--

	consoleTimeFormat = time.RFC3339
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = utcNow
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func fallbackLogger(err error) *zerolog.Logger {
	failLog := fallbacklog.With().Logger()
	fallbacklog.Error().Msgf("Falling back to a default logger due to logger setup failure: %s", err)

	return &failLog
}

// resilientMultiWriter is an alternative to zerolog's so that we can make it resilient to individual
// writer's errors. E.g., when running as a Windows service, the console writer fails, but we don't want to
// allow that to prevent all logging to fail due to breaking the for loop upon an error.
type resilientMultiWriter struct {
	level   zerolog.Level
	writers []io.Writer
}

func (t resilientMultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range t.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (t resilientMultiWriter) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	if level < t.level {
		return len(p), nil
	}
	return t.Write(p)
}

var levelErrorLogged = false

func newZerolog(loggerConfig *Config) *zerolog.Logger {
	var writers []io.Writer

	if loggerConfig.ConsoleConfig != nil {
		writers = append(writers, createConsoleLogger(*loggerConfig.ConsoleConfig))
	}

	if loggerConfig.FileConfig != nil {
		fileLogger, err := createFileWriter(*loggerConfig.FileConfig)
		if err != nil {
			return fallbackLogger(err)
		}

		writers = append(writers, fileLogger)
	}

	if loggerConfig.RollingConfig != nil {
		rollingLogger, err := createRollingLogger(*loggerConfig.RollingConfig)
		if err != nil {
			return fallbackLogger(err)
		}

		writers = append(writers, rollingLogger)
	}

	level, levelErr := zerolog.ParseLevel(loggerConfig.MinLevel)
	if levelErr != nil || loggerConfig.MinLevel == "" {
		level = zerolog.InfoLevel
	}

	multi := resilientMultiWriter{level, writers}
	log := zerolog.New(multi).With().Timestamp().Logger()
	if !levelErrorLogged && levelErr != nil {
		log.Error().Msgf("Failed to parse log level %q, using %q instead", loggerConfig.MinLevel, level)
		levelErrorLogged = true
	}

	return &log
}

// CreateLoggerFromContext builds the logger from the logging flags of the command. The level
// and directory fall back to the given values when their flags are not set.
func CreateLoggerFromContext(c *cli.Context, disableTerminal bool, fallbackLevel, fallbackDirectory string) *zerolog.Logger {
	logLevel := fallbackLevel
	if c.IsSet(LogLevelFlag) {
		logLevel = c.String(LogLevelFlag)
	}
	logDirectory := fallbackDirectory
	if c.IsSet(LogDirectoryFlag) {
		logDirectory = c.String(LogDirectoryFlag)
	}
	logFile := c.String(LogFileFlag)
	formatJSON := c.String(LogFormatOutputFlag) == LogFormatOutputValueJSON

	loggerConfig := CreateConfig(
		logLevel,
		disableTerminal,
		formatJSON,
		logDirectory,
		logFile,
	)

	log := newZerolog(loggerConfig)
	if incompatibleFlagsSet := logFile != "" && logDirectory != ""; incompatibleFlagsSet {
		log.Error().Msgf("Your config includes values for both %s (%s) and %s (%s), but they are incompatible. %s takes precedence.", LogFileFlag, logFile, LogDirectoryFlag, logDirectory, LogFileFlag)
	}
	return log
}

// Create builds a logger from loggerConfig, or a console logger at info level when it is nil.
func Create(loggerConfig *Config) *zerolog.Logger {
	if loggerConfig == nil {
		cfg := consoleOnly
		loggerConfig = &cfg
	}
	return newZerolog(loggerConfig)
}

func createConsoleLogger(config ConsoleConfig) io.Writer {
	consoleOut := os.Stderr
	if config.asJSON {
		return &consoleWriter{out: consoleOut}
	}
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(consoleOut),
		NoColor:    config.noColor || !term.IsTerminal(int(consoleOut.Fd())),
		TimeFormat: consoleTimeFormat,
	}
}

// Log files are opened once per path so that a logger rebuilt after a config
// reload keeps appending to the same handle.
var (
	openedFilesLock sync.Mutex
	openedFiles     = map[string]io.Writer{}
)

func openOnce(fullpath string, open func() (io.Writer, error)) (io.Writer, error) {
	openedFilesLock.Lock()
	defer openedFilesLock.Unlock()

	if w, ok := openedFiles[fullpath]; ok {
		return w, nil
	}
	w, err := open()
	if err != nil {
		return nil, err
	}
	openedFiles[fullpath] = w
	return w, nil
}

func createFileWriter(config FileConfig) (io.Writer, error) {
	return openOnce(config.Fullpath(), func() (io.Writer, error) {
		if config.Dirname != "" {
			if err := os.MkdirAll(config.Dirname, dirPermMode); err != nil {
				return nil, fmt.Errorf("unable to create directories for new logfile: %s", err)
			}
		}

		logFile, err := os.OpenFile(config.Fullpath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermMode)
		if err != nil {
			return nil, fmt.Errorf("unable to create a new logfile: %s", err)
		}
		return logFile, nil
	})
}

func createRollingLogger(config RollingConfig) (io.Writer, error) {
	return openOnce(config.Fullpath(), func() (io.Writer, error) {
		if err := os.MkdirAll(config.Dirname, dirPermMode); err != nil {
			return nil, err
		}

		return &lumberjack.Logger{
			Filename:   filepath.Join(config.Dirname, config.Filename),
			MaxBackups: config.maxBackups,
			MaxSize:    config.maxSize,
			MaxAge:     config.maxAge,
		}, nil
	})
}
