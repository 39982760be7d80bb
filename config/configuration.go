package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"
)

var (
	// DefaultConfigFiles is the file names from which we attempt to read configuration.
	DefaultConfigFiles = []string{"config.yml", "config.yaml"}

	// DefaultUnixConfigLocation is the primary location to find a config file
	DefaultUnixConfigLocation = "/usr/local/etc/agentconnect"

	// DefaultUnixLogLocation is the primary location to find log files
	DefaultUnixLogLocation = "/var/log/agentconnect"

	defaultUserConfigDirs = []string{"~/.agentconnect"}
	defaultNixConfigDirs  = []string{"/etc/agentconnect", DefaultUnixConfigLocation}

	ErrNoConfigFile = fmt.Errorf("Cannot determine default configuration path. No file %v in %v", DefaultConfigFiles, DefaultConfigSearchDirectories())
)

// DefaultConfigDirectory returns the default directory of the config file
func DefaultConfigDirectory() string {
	if runtime.GOOS == "windows" {
		path := os.Getenv("AGENTCONNECT_PATH")
		if path == "" {
			path = filepath.Join(os.Getenv("ProgramFiles(x86)"), "agentconnect")
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return ""
			}
		}
		return path
	}
	return DefaultUnixConfigLocation
}

// DefaultLogDirectory returns the default directory for log files
func DefaultLogDirectory() string {
	if runtime.GOOS == "windows" {
		return DefaultConfigDirectory()
	}
	return DefaultUnixLogLocation
}

// DefaultConfigSearchDirectories returns the default folder locations of the config
func DefaultConfigSearchDirectories() []string {
	dirs := make([]string, len(defaultUserConfigDirs))
	copy(dirs, defaultUserConfigDirs)
	if runtime.GOOS != "windows" {
		dirs = append(dirs, defaultNixConfigDirs...)
	}
	return dirs
}

// FileExists checks to see if a file exist at the provided path.
func FileExists(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// ignore missing files
			return false, nil
		}
		return false, err
	}
	_ = f.Close()
	return true, nil
}

// FindDefaultConfigPath returns the first path that contains a config file.
// If none of the combination of DefaultConfigSearchDirectories() and DefaultConfigFiles
// contains a config file, return empty string.
func FindDefaultConfigPath() string {
	for _, configDir := range DefaultConfigSearchDirectories() {
		for _, configFile := range DefaultConfigFiles {
			dirPath, err := homedir.Expand(configDir)
			if err != nil {
				continue
			}
			path := filepath.Join(dirPath, configFile)
			if ok, _ := FileExists(path); ok {
				return path
			}
		}
	}
	return ""
}

// ExpandPath resolves a leading ~ to the home directory of the current user
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", errors.Wrapf(err, "cannot expand %s", path)
	}
	return expanded, nil
}

// ValidateURL checks that rawURL is an absolute http(s) URL
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host", rawURL)
	}
	return nil
}

// ReadConfigFile decodes the configuration at configPath and applies the defaults.
// Unknown keys do not fail the read, they are returned as warnings.
func ReadConfigFile(configPath string, log *zerolog.Logger) (cfg Root, warnings string, err error) {
	if configPath == "" {
		return Root{}, "", ErrNoConfigFile
	}

	log.Debug().Msgf("Loading configuration from %s", configPath)
	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNoConfigFile
		}
		return Root{}, "", err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		if err != io.EOF {
			return Root{}, "", errors.Wrap(err, "error parsing YAML in config file at "+configPath)
		}
		log.Error().Msgf("Configuration file %s was empty", configPath)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Root{}, "", errors.Wrap(err, "invalid config file at "+configPath)
	}

	// Parse it again, with strict mode, to find warnings.
	if _, err := file.Seek(0, io.SeekStart); err == nil {
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		var unused Root
		if err := decoder.Decode(&unused); err != nil && err != io.EOF {
			warnings = err.Error()
		}
	}

	return cfg, warnings, nil
}
