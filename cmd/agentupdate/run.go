package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/averonhq/agentupdate/cmd/agentupdate/buildinfo"
	"github.com/averonhq/agentupdate/config"
	"github.com/averonhq/agentupdate/metrics"
	"github.com/averonhq/agentupdate/orchestrator"
	"github.com/averonhq/agentupdate/scheduler"
	"github.com/averonhq/agentupdate/signal"
	"github.com/averonhq/agentupdate/watcher"
)

func runCommand(bInfo *buildinfo.BuildInfo) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, configPath, err := setup(c, bInfo, stackOptions{detectInstall: true})
		if err != nil {
			return err
		}
		defer s.Close()

		bInfo.Log(s.log)
		if err := metrics.RegisterBuildInfo(s.registry, bInfo.BuildType, BuildTime, bInfo.Version()); err != nil {
			return err
		}
		shutdown := signal.New(make(chan struct{}))
		if pidFile := c.String(pidFileFlag); pidFile != "" {
			if err := writePidFile(pidFile); err != nil {
				s.log.Err(err).Msgf("Unable to write pid to %s", pidFile)
			} else {
				defer os.Remove(pidFile)
			}
		}
		return runService(c.Context, s, configPath, shutdown)
	}
}

func writePidFile(path string) error {
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return err
	}
	file, err := os.Create(expanded)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = fmt.Fprintf(file, "%d", os.Getpid())
	return err
}

// notifySystemd reports state changes to systemd when running as a notify service.
func notifySystemd(state string, log *zerolog.Logger) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug().Err(err).Msg("Failed to notify systemd")
	}
}

// runService runs the scheduler, the status server and the config watcher until the
// shutdown signal fires or one of them fails. A pending update is applied on the way out.
func runService(parent context.Context, s *stack, configPath string, shutdown *signal.Signal) error {
	log := s.log

	var listener net.Listener
	if s.cfg.StatusAddress != "" {
		var err error
		if listener, err = metrics.CreateStatusListener(s.listeners, s.cfg.StatusAddress); err != nil {
			return errors.Wrap(err, "cannot start the status server")
		}
	}

	var manager *config.FileManager
	if configPath != "" {
		var err error
		if manager, err = newConfigWatcher(configPath, log); err != nil {
			log.Err(err).Msg("Config file changes will not be picked up")
			manager = nil
		}
	}

	sched := scheduler.New(s.orchestrator, s.cfg.CheckInterval, log)
	handler := newNotificationHandler(s.orchestrator, s.cfg.Unattended, log)
	if err := sched.Start(); err != nil {
		if listener != nil {
			listener.Close()
		}
		return err
	}
	notifySystemd(daemon.SdNotifyReady, log)

	ctx, cancel := shutdown.Context(parent)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return waitForSignal(ctx, shutdown, log)
	})

	group.Go(func() error {
		defer sched.Close()
		for {
			select {
			case n := <-sched.Notifications():
				handler.handle(ctx, n)
			case <-ctx.Done():
				return nil
			}
		}
	})

	if listener != nil {
		group.Go(func() error {
			return metrics.ServeStatus(ctx, listener, metrics.Config{
				Ready:    metrics.NewReadyServer(sched),
				Gatherer: s.registry,
			}, log)
		})
	}

	if manager != nil {
		service := newConfigService(sched, handler, s.cfg, log)
		group.Go(func() error {
			<-ctx.Done()
			manager.Shutdown()
			return nil
		})
		group.Go(func() error {
			if err := manager.Start(service); err != nil {
				log.Err(err).Msg("Config watcher stopped")
			}
			return nil
		})
	}

	err := group.Wait()
	notifySystemd(daemon.SdNotifyStopping, log)

	if release, applyErr := s.updater.ApplyPending(); applyErr != nil {
		log.Err(applyErr).Msg("Failed to apply the pending update")
	} else if release != nil {
		log.Info().Str("version", release.Version).Msg("Update installed, it takes effect on the next start")
	}
	return err
}

func newConfigWatcher(configPath string, log *zerolog.Logger) (*config.FileManager, error) {
	f, err := watcher.NewFile()
	if err != nil {
		return nil, err
	}
	return config.NewFileManager(f, configPath, log)
}

// reconfigurer is the part of the scheduler that follows config changes.
type reconfigurer interface {
	Reconfigure(interval time.Duration)
}

// configService applies config file changes to the running service.
type configService struct {
	scheduler reconfigurer
	handler   *notificationHandler
	log       *zerolog.Logger

	mu       sync.Mutex
	interval time.Duration
}

func newConfigService(sched reconfigurer, handler *notificationHandler, cfg config.Root, log *zerolog.Logger) *configService {
	return &configService{
		scheduler: sched,
		handler:   handler,
		log:       log,
		interval:  cfg.CheckInterval,
	}
}

// ConfigDidUpdate is a delegate notification from the config manager
func (s *configService) ConfigDidUpdate(c config.Root) {
	s.handler.setUnattended(c.Unattended)

	s.mu.Lock()
	changed := c.CheckInterval != s.interval
	s.interval = c.CheckInterval
	s.mu.Unlock()

	if changed {
		s.log.Info().Msgf("Check interval changed to %s", c.CheckInterval)
		s.scheduler.Reconfigure(c.CheckInterval)
	}
}

// updateOrchestrator is the part of the orchestrator that acts on notifications.
type updateOrchestrator interface {
	DownloadUpdate(ctx context.Context, c *orchestrator.Candidate, progress func(percent int)) error
	ApplyUpdateAndRestart(ctx context.Context, c *orchestrator.Candidate) error
	DeferUpdate(ctx context.Context, c *orchestrator.Candidate) (bool, error)
}

// notificationHandler decides what happens to candidates nobody is prompted for. Without
// unattended mode they are only logged, for an external UI to pick up.
type notificationHandler struct {
	orchestrator updateOrchestrator
	unattended   atomic.Bool
	log          *zerolog.Logger
}

func newNotificationHandler(o updateOrchestrator, unattended bool, log *zerolog.Logger) *notificationHandler {
	h := &notificationHandler{orchestrator: o, log: log}
	h.unattended.Store(unattended)
	return h
}

func (h *notificationHandler) setUnattended(unattended bool) {
	h.unattended.Store(unattended)
}

func (h *notificationHandler) handle(ctx context.Context, n scheduler.Notification) {
	c := n.Candidate
	log := h.log.With().
		Str("current", c.CurrentVersion).
		Str("target", c.TargetVersion).
		Str("type", c.Type.String()).
		Logger()
	log.Info().Str("notes", c.ReleaseNotesURL).Msg(c.ReleaseNotes)

	if !h.unattended.Load() {
		log.Info().Bool("canDefer", n.CanDefer).Msg("Update available")
		return
	}

	if n.CanDefer && !c.IsCritical() {
		deferred, err := h.orchestrator.DeferUpdate(ctx, c)
		if err != nil {
			log.Err(err).Msg("Failed to defer update")
			return
		}
		if deferred {
			return
		}
	}

	if err := h.orchestrator.DownloadUpdate(ctx, c, nil); err != nil {
		if ctx.Err() == nil {
			log.Err(err).Msg("Failed to download update")
		}
		return
	}
	// ApplyUpdateAndRestart only returns on failure
	if err := h.orchestrator.ApplyUpdateAndRestart(ctx, c); err != nil {
		log.Err(err).Msg("Failed to apply update")
	}
}
