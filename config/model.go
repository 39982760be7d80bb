package config

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultRepository     = "https://github.com/AveronHQ/AgentConnect"
	DefaultAppName        = "agentconnect"
	DefaultChannel        = "stable"
	DefaultCheckInterval  = 24 * time.Hour
	DefaultDeferralWindow = 24 * time.Hour
	DefaultManifestFile   = "update-manifest.json"
	DefaultStateDir       = "~/.agentconnect/updates"
	DefaultBatchSize      = 20
	DefaultFlushInterval  = 30 * time.Second
	DefaultLogLevel       = "info"
)

// Telemetry configures where update events are delivered
type Telemetry struct {
	Endpoint      string        `yaml:"endpoint"`
	SentryDSN     string        `yaml:"sentry-dsn"`
	BatchSize     int           `yaml:"batch-size"`
	FlushInterval time.Duration `yaml:"flush-interval"`
}

// Root is the base options to configure the service
type Root struct {
	Repository     string        `yaml:"repository"`
	AppName        string        `yaml:"app-name"`
	Channel        string        `yaml:"channel"`
	Prerelease     bool          `yaml:"prerelease"`
	CheckinURL     string        `yaml:"checkin-url"`
	GitHubToken    string        `yaml:"github-token"`
	CheckInterval  time.Duration `yaml:"check-interval"`
	DeferralWindow time.Duration `yaml:"deferral-window"`
	ManifestFile   string        `yaml:"manifest-file"`
	StateDir       string        `yaml:"state-dir"`
	// Installed overrides the detection of an update-capable installation when set.
	Installed     *bool     `yaml:"installed"`
	Unattended    bool      `yaml:"unattended"`
	Telemetry     Telemetry `yaml:"telemetry"`
	StatusAddress string    `yaml:"status-address"`
	LogLevel      string    `yaml:"loglevel"`
	LogDirectory  string    `yaml:"log-directory"`
}

// Default returns a Root populated with the default values
func Default() Root {
	var r Root
	r.ApplyDefaults()
	return r
}

// ApplyDefaults fills every unset field with its default value
func (r *Root) ApplyDefaults() {
	if r.Repository == "" {
		r.Repository = DefaultRepository
	}
	if r.AppName == "" {
		r.AppName = DefaultAppName
	}
	if r.Channel == "" {
		r.Channel = DefaultChannel
	}
	if r.CheckInterval == 0 {
		r.CheckInterval = DefaultCheckInterval
	}
	if r.DeferralWindow == 0 {
		r.DeferralWindow = DefaultDeferralWindow
	}
	if r.ManifestFile == "" {
		r.ManifestFile = DefaultManifestFile
	}
	if r.StateDir == "" {
		r.StateDir = DefaultStateDir
	}
	if r.Telemetry.BatchSize == 0 {
		r.Telemetry.BatchSize = DefaultBatchSize
	}
	if r.Telemetry.FlushInterval == 0 {
		r.Telemetry.FlushInterval = DefaultFlushInterval
	}
	if r.LogLevel == "" {
		r.LogLevel = DefaultLogLevel
	}
}

// Validate reports the first invalid value in the configuration
func (r *Root) Validate() error {
	if r.CheckInterval < 0 {
		return errors.Errorf("check-interval must be positive, got %s", r.CheckInterval)
	}
	if r.DeferralWindow < 0 {
		return errors.Errorf("deferral-window must be positive, got %s", r.DeferralWindow)
	}
	if r.Telemetry.BatchSize < 0 {
		return errors.Errorf("telemetry batch-size must be positive, got %d", r.Telemetry.BatchSize)
	}
	if r.Telemetry.FlushInterval < 0 {
		return errors.Errorf("telemetry flush-interval must be positive, got %s", r.Telemetry.FlushInterval)
	}
	if r.CheckinURL != "" {
		if err := ValidateURL(r.CheckinURL); err != nil {
			return errors.Wrap(err, "invalid checkin-url")
		}
	}
	if r.Telemetry.Endpoint != "" {
		if err := ValidateURL(r.Telemetry.Endpoint); err != nil {
			return errors.Wrap(err, "invalid telemetry endpoint")
		}
	}
	return ValidateURL(r.Repository)
}

// IsInstalled resolves the installed override, falling back to detected
func (r *Root) IsInstalled(detected bool) bool {
	if r.Installed != nil {
		return *r.Installed
	}
	return detected
}
