package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/averonhq/agentupdate/manifest"
	"github.com/averonhq/agentupdate/orchestrator"
)

const DefaultInterval = time.Hour * 24

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("scheduler is closed")

// Orchestrator is the part of *orchestrator.Orchestrator the scheduler drives.
type Orchestrator interface {
	IsInstalled() bool
	CheckForUpdates(ctx context.Context) (*orchestrator.Candidate, error)
	DownloadUpdate(ctx context.Context, c *orchestrator.Candidate, progress func(percent int)) error
	ApplyUpdateOnExit(ctx context.Context, c *orchestrator.Candidate) error
	CanDeferUpdate(ctx context.Context, c *orchestrator.Candidate) bool
}

// Notification asks the host to present an update to the user.
type Notification struct {
	Candidate *orchestrator.Candidate
	// CanDefer is whether the user may postpone it at the time of the check.
	CanDefer bool
}

// Status summarizes the most recent check.
type Status struct {
	Running       bool          `json:"running"`
	Interval      time.Duration `json:"interval"`
	LastCheck     *time.Time    `json:"lastCheck,omitempty"`
	TargetVersion string        `json:"targetVersion,omitempty"`
	UpdateType    string        `json:"updateType,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Scheduler checks for updates once on Start and then periodically. Silent updates are
// downloaded and scheduled for exit without involving the host; every other candidate is sent
// on Notifications.
type Scheduler struct {
	orchestrator Orchestrator
	log          *zerolog.Logger
	notifyC      chan Notification

	mu           sync.Mutex
	interval     time.Duration
	running      bool
	closed       bool
	cancel       context.CancelFunc
	reconfigureC chan time.Duration

	statusMu sync.RWMutex
	status   Status
}

// New creates a stopped scheduler. A non-positive interval selects DefaultInterval.
func New(o Orchestrator, interval time.Duration, log *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		orchestrator: o,
		log:          log,
		notifyC:      make(chan Notification),
		interval:     interval,
	}
}

// Notifications must be drained by the host while the scheduler runs.
func (s *Scheduler) Notifications() <-chan Notification {
	return s.notifyC
}

// Start runs the first check in the background and arms the timer. It does nothing when the
// scheduler is already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.reconfigureC = make(chan time.Duration, 1)
	go s.run(ctx, s.interval, s.reconfigureC)

	s.log.Info().Dur("interval", s.interval).Msg("Update scheduler started")
	return nil
}

// Stop cancels the in-flight check and the timer without waiting for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
}

// Close stops the scheduler for good.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
	s.closed = true
}

func (s *Scheduler) stop() {
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	s.reconfigureC = nil
	s.log.Info().Msg("Update scheduler stopped")
}

// Reconfigure changes the check interval, re-arming the timer when running. A non-positive
// interval selects DefaultInterval.
func (s *Scheduler) Reconfigure(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if interval == s.interval {
		return
	}
	s.interval = interval
	if !s.running {
		return
	}
	// only the latest interval matters
	select {
	case <-s.reconfigureC:
	default:
	}
	s.reconfigureC <- interval
}

// CheckNow runs one check on demand. A silent candidate is downloaded and scheduled like a
// timer check; any other candidate is returned to the caller rather than sent on Notifications.
func (s *Scheduler) CheckNow(ctx context.Context) (*orchestrator.Candidate, error) {
	return s.check(ctx)
}

// LastResult returns the outcome of the latest check.
func (s *Scheduler) LastResult() Status {
	s.mu.Lock()
	running, interval := s.running, s.interval
	s.mu.Unlock()

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	status := s.status
	status.Running = running
	status.Interval = interval
	return status
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration, reconfigureC <-chan time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
	}()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case newInterval := <-reconfigureC:
			ticker.Stop()
			ticker = time.NewTicker(newInterval)
			s.log.Info().Dur("interval", newInterval).Msg("Update check interval changed")
			// check right away under the new configuration
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	candidate, err := s.check(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Err(err).Msg("Update check failed")
		}
		return
	}
	if candidate == nil || candidate.Type == manifest.Silent {
		return
	}

	n := Notification{
		Candidate: candidate,
		CanDefer:  s.orchestrator.CanDeferUpdate(ctx, candidate),
	}
	select {
	case s.notifyC <- n:
	case <-ctx.Done():
	}
}

func (s *Scheduler) check(ctx context.Context) (*orchestrator.Candidate, error) {
	if !s.orchestrator.IsInstalled() {
		s.log.Debug().Msg("Not an installed build, skipping update check")
		return nil, nil
	}

	candidate, err := s.orchestrator.CheckForUpdates(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.record(candidate, err)
	if err != nil {
		return nil, err
	}
	if candidate != nil && candidate.Type == manifest.Silent {
		s.applySilently(ctx, candidate)
	}
	return candidate, nil
}

// applySilently never reports failures beyond the log.
func (s *Scheduler) applySilently(ctx context.Context, c *orchestrator.Candidate) {
	log := s.log.With().Str("version", c.TargetVersion).Logger()
	if err := s.orchestrator.DownloadUpdate(ctx, c, nil); err != nil {
		if ctx.Err() == nil {
			log.Err(err).Msg("Silent update download failed")
		}
		return
	}
	if err := s.orchestrator.ApplyUpdateOnExit(ctx, c); err != nil {
		log.Err(err).Msg("Silent update could not be scheduled")
		return
	}
	log.Info().Msg("Silent update downloaded, it will be applied on exit")
}

func (s *Scheduler) record(c *orchestrator.Candidate, err error) {
	now := time.Now().UTC()
	status := Status{LastCheck: &now}
	if err != nil {
		status.Error = err.Error()
	}
	if c != nil {
		status.TargetVersion = c.TargetVersion
		status.UpdateType = c.Type.String()
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
}
