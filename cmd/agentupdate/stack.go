package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/facebookgo/grace/gracenet"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/averonhq/agentupdate/cmd/agentupdate/buildinfo"
	"github.com/averonhq/agentupdate/cmd/agentupdate/updater"
	"github.com/averonhq/agentupdate/config"
	"github.com/averonhq/agentupdate/deferral"
	"github.com/averonhq/agentupdate/manifest"
	"github.com/averonhq/agentupdate/orchestrator"
	"github.com/averonhq/agentupdate/telemetry"
)

const (
	machineIDFileName = "machine-id"
	stagingDirName    = "staging"
	stateDirPermMode  = 0700
)

// stack is the update engine wired from the configuration.
type stack struct {
	cfg          config.Root
	log          *zerolog.Logger
	stateDir     string
	listeners    *gracenet.Net
	registry     *prometheus.Registry
	store        *deferral.FileStore
	updater      *updater.Updater
	orchestrator *orchestrator.Orchestrator

	closers []func()
}

// stackOptions are the inputs of newStack that do not come from the config file.
type stackOptions struct {
	// detectInstall resolves Installed from the environment instead of assuming an installed
	// binary. One-shot commands run from a shell and skip it.
	detectInstall bool
	// targetPath is the binary to replace; the running executable when empty.
	targetPath string
}

func newStack(cfg config.Root, bInfo *buildinfo.BuildInfo, opts stackOptions, log *zerolog.Logger) (*stack, error) {
	stateDir, err := config.ExpandPath(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, stateDirPermMode); err != nil {
		return nil, errors.Wrapf(err, "cannot create state directory %s", stateDir)
	}

	machineID, err := loadMachineID(filepath.Join(stateDir, machineIDFileName))
	if err != nil {
		return nil, err
	}

	targetPath := opts.targetPath
	if targetPath == "" {
		if targetPath, err = executablePath(); err != nil {
			return nil, err
		}
	}

	source, err := newSource(cfg, bInfo, log)
	if err != nil {
		return nil, err
	}

	s := &stack{
		cfg:       cfg,
		log:       log,
		stateDir:  stateDir,
		listeners: &gracenet.Net{},
		registry:  prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sink, err := s.newSink(bInfo, log)
	if err != nil {
		s.Close()
		return nil, err
	}

	installed := true
	if opts.detectInstall {
		installed = updater.SupportAutoUpdate(log)
	}

	s.store = deferral.NewFileStore(filepath.Join(stateDir, deferral.DefaultFileName), cfg.DeferralWindow, log)
	s.updater = updater.New(source, targetPath, filepath.Join(stateDir, stagingDirName), s.listeners, log)
	s.orchestrator = orchestrator.New(
		orchestrator.Config{
			CurrentVersion: bInfo.Version(),
			Installed:      cfg.IsInstalled(installed),
			Channel:        cfg.Channel,
			RepositoryURL:  cfg.Repository,
			MachineID:      machineID,
		},
		s.updater,
		manifest.NewHTTPFetcher(cfg.Repository, cfg.ManifestFile, bInfo.UserAgent(), log),
		s.store,
		sink,
		log,
	)
	return s, nil
}

func newSource(cfg config.Root, bInfo *buildinfo.BuildInfo, log *zerolog.Logger) (updater.Source, error) {
	if cfg.CheckinURL != "" {
		return updater.NewCheckinSource(bInfo.Version(), cfg.CheckinURL, updater.CheckinOptions{
			IsBeta: cfg.Prerelease,
		}), nil
	}
	return updater.NewGitHubSource(cfg.Repository, cfg.AppName, bInfo.Version(), updater.GitHubOptions{
		Prerelease: cfg.Prerelease,
		Token:      cfg.GitHubToken,
	}, log)
}

// newSink fans events out to the prometheus registry and, when configured, to the telemetry
// collector and Sentry.
func (s *stack) newSink(bInfo *buildinfo.BuildInfo, log *zerolog.Logger) (telemetry.Sink, error) {
	metricsSink, err := telemetry.NewMetricsSink(s.registry)
	if err != nil {
		return nil, err
	}
	sinks := []telemetry.Sink{metricsSink}

	if endpoint := s.cfg.Telemetry.Endpoint; endpoint != "" {
		httpSink := telemetry.NewHTTPSink(endpoint, telemetry.HTTPOptions{
			BatchSize:     s.cfg.Telemetry.BatchSize,
			FlushInterval: s.cfg.Telemetry.FlushInterval,
			UserAgent:     bInfo.UserAgent(),
		}, log)
		s.closers = append(s.closers, httpSink.Close)
		sinks = append(sinks, httpSink)
	}

	if dsn := s.cfg.Telemetry.SentryDSN; dsn != "" {
		sentrySink, err := telemetry.NewSentrySink(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     bInfo.Version(),
			Environment: s.cfg.Channel,
		})
		if err != nil {
			return nil, errors.Wrap(err, "cannot configure sentry")
		}
		s.closers = append(s.closers, sentrySink.Flush)
		sinks = append(sinks, sentrySink)
	}
	return telemetry.Tee(sinks...), nil
}

// Close delivers buffered telemetry.
func (s *stack) Close() {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
}

func executablePath() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine the executable path")
	}
	return filepath.EvalSymlinks(path)
}

// loadMachineID returns the identifier persisted at path, creating it on first use.
func loadMachineID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "cannot read machine ID from %s", path)
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", errors.Wrapf(err, "cannot write machine ID to %s", path)
	}
	return id, nil
}
