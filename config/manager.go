package config

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/averonhq/agentupdate/watcher"
)

// Notifier receives the configuration every time the file changes.
type Notifier interface {
	ConfigDidUpdate(Root)
}

// FileManager reloads the YAML config file when it changes on disk and hands the result
// to a Notifier. Invalid files are logged and ignored, the last good config stays in effect.
type FileManager struct {
	watcher    watcher.Notifier
	configPath string
	log        *zerolog.Logger

	// ReadConfig is replaced in tests.
	ReadConfig func(string, *zerolog.Logger) (Root, error)

	mu       sync.Mutex
	notifier Notifier
	current  *Root
}

// NewFileManager starts watching configPath. Changes are only delivered once Start is called.
func NewFileManager(watcher watcher.Notifier, configPath string, log *zerolog.Logger) (*FileManager, error) {
	m := &FileManager{
		watcher:    watcher,
		configPath: configPath,
		log:        log,
		ReadConfig: readConfigFromPath,
	}
	err := watcher.Add(configPath)
	return m, err
}

// Start pushes the current config to notifier, then delivers changes until Shutdown is called.
func (m *FileManager) Start(notifier Notifier) error {
	config, err := m.GetConfig()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.notifier = notifier
	m.current = &config
	m.mu.Unlock()
	notifier.ConfigDidUpdate(config)

	m.watcher.Start(m)
	return nil
}

// GetConfig reads the config file from disk.
func (m *FileManager) GetConfig() (Root, error) {
	return m.ReadConfig(m.configPath, m.log)
}

// Shutdown stops the watcher, which makes Start return.
func (m *FileManager) Shutdown() {
	m.watcher.Shutdown()
}

func readConfigFromPath(configPath string, log *zerolog.Logger) (Root, error) {
	config, warnings, err := ReadConfigFile(configPath, log)
	if err != nil {
		return Root{}, err
	}
	if warnings != "" {
		log.Warn().Str("config", configPath).Msgf("Your configuration file has unused keys: %s", warnings)
	}
	return config, nil
}

// WatcherItemDidChange re-reads the file. Editors often write a file more than once per
// save, so a config equal to the current one is not delivered again.
func (m *FileManager) WatcherItemDidChange(path string) {
	config, err := m.GetConfig()
	if err != nil {
		m.log.Err(err).Str("config", path).Msg("Failed to read new config, keeping the current one")
		return
	}

	m.mu.Lock()
	unchanged := m.current != nil && reflect.DeepEqual(*m.current, config)
	m.current = &config
	notifier := m.notifier
	m.mu.Unlock()

	if unchanged || notifier == nil {
		return
	}
	m.log.Info().Str("config", path).Msg("Config file has been updated")
	notifier.ConfigDidUpdate(config)
}

// WatcherDidError logs errors of the file watcher.
func (m *FileManager) WatcherDidError(err error) {
	m.log.Err(err).Msg("Config watcher encountered an error")
}
