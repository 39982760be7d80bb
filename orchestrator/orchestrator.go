package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/averonhq/agentupdate/deferral"
	"github.com/averonhq/agentupdate/manifest"
	"github.com/averonhq/agentupdate/telemetry"
)

const (
	DefaultChannel      = "stable"
	DefaultReleaseNotes = "Update available."

	progressBuffer = 16
)

// Backend fetches and installs releases. Implementations own the artifact mechanics.
type Backend interface {
	// CheckForUpdates returns nil when no newer release exists.
	CheckForUpdates(ctx context.Context) (*Release, error)
	Download(ctx context.Context, release *Release, progress func(percent int)) error
	// ApplyAndRestart replaces the running binary and restarts the process.
	ApplyAndRestart(release *Release) error
	// ApplyOnExit installs the release when the process next exits normally.
	ApplyOnExit(release *Release) error
}

// DeferralStore is the persisted deferral history. *deferral.FileStore implements it.
type DeferralStore interface {
	State(ctx context.Context, version string) *deferral.State
	Defer(ctx context.Context, version string, limits deferral.Limits) (bool, error)
	CanDefer(ctx context.Context, version string, limits deferral.Limits) bool
	Expire(ctx context.Context, version string) error
	Clear(ctx context.Context, version string) error
}

type Config struct {
	CurrentVersion string
	// Installed is false when the process runs outside an update-capable installation, which
	// turns every check and apply into a no-op.
	Installed bool
	Channel   string
	// RepositoryURL is used to build release notes links when the manifest has none.
	RepositoryURL       string
	MachineID           string
	DefaultReleaseNotes string
}

// Orchestrator decides whether a release should be offered, and drives its download and
// installation.
type Orchestrator struct {
	config  Config
	backend Backend
	fetcher manifest.Fetcher
	store   DeferralStore
	sink    telemetry.Sink
	log     *zerolog.Logger

	// Now is overridden in tests.
	Now func() time.Time

	checking  atomic.Bool
	progressC chan int
}

// New creates an Orchestrator. A nil sink disables telemetry.
func New(
	config Config,
	backend Backend,
	fetcher manifest.Fetcher,
	store DeferralStore,
	sink telemetry.Sink,
	log *zerolog.Logger,
) *Orchestrator {
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	if config.DefaultReleaseNotes == "" {
		config.DefaultReleaseNotes = DefaultReleaseNotes
	}
	config.RepositoryURL = strings.TrimRight(config.RepositoryURL, "/")
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Orchestrator{
		config:    config,
		backend:   backend,
		fetcher:   fetcher,
		store:     store,
		sink:      sink,
		log:       log,
		Now:       func() time.Time { return time.Now().UTC() },
		progressC: make(chan int, progressBuffer),
	}
}

func (o *Orchestrator) CurrentVersion() string {
	return o.config.CurrentVersion
}

func (o *Orchestrator) IsInstalled() bool {
	return o.config.Installed
}

// Progress carries download progress in percent. Values are dropped when nobody reads them.
func (o *Orchestrator) Progress() <-chan int {
	return o.progressC
}

// CheckForUpdates returns the release that should be offered now, or nil when there is none,
// when it is still deferred, or when another check is already running.
func (o *Orchestrator) CheckForUpdates(ctx context.Context) (*Candidate, error) {
	if !o.config.Installed {
		return nil, nil
	}
	if !o.checking.CompareAndSwap(false, true) {
		o.log.Debug().Msg("Update check already in progress")
		return nil, nil
	}
	defer o.checking.Store(false)

	o.sink.Track(o.newEvent(telemetry.CheckStarted, ""))

	release, err := o.backend.CheckForUpdates(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := o.newEvent(telemetry.CheckCompleted, "")
		e.FailureReason = fmt.Sprintf("%T", errors.Cause(err))
		e.FailureDetails = err.Error()
		o.sink.Track(e)
		return nil, errors.Wrap(err, "failed to check for updates")
	}
	if release == nil {
		e := o.newEvent(telemetry.CheckCompleted, "")
		e.Success = true
		o.sink.Track(e)
		o.log.Debug().Str("version", o.config.CurrentVersion).Msg("No update available")
		return nil, nil
	}

	target := strings.TrimPrefix(release.Version, "v")
	m := o.fetcher.GetManifest(ctx, target)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	candidate := o.newCandidate(target, release, m)

	if state := o.store.State(ctx, target); state != nil {
		candidate.DeferUntil = state.DeferUntil
		candidate.DeferralCount = state.DeferralCount
		if state.Deferred(o.Now()) {
			o.log.Debug().
				Str("version", target).
				Time("deferUntil", *state.DeferUntil).
				Msg("Update is deferred")
			return nil, nil
		}
		if state.DeferUntil != nil {
			e := o.candidateEvent(telemetry.DeferralExpired, candidate)
			e.Success = true
			count := state.DeferralCount
			e.DeferralCount = &count
			o.sink.Track(e)
			// The expiry is reported once, the deferral count is kept.
			if err := o.store.Expire(ctx, target); err != nil {
				o.log.Err(err).Str("version", target).Msg("Failed to record deferral expiry")
			}
			candidate.DeferUntil = nil
		}
	}

	e := o.candidateEvent(telemetry.UpdateAvailable, candidate)
	e.Success = true
	o.sink.Track(e)
	o.log.Info().
		Str("version", target).
		Str("type", candidate.Type.String()).
		Msg("Update available")
	return candidate, nil
}

func (o *Orchestrator) newCandidate(target string, release *Release, m *manifest.Manifest) *Candidate {
	c := &Candidate{
		CurrentVersion:     o.config.CurrentVersion,
		TargetVersion:      target,
		Type:               manifest.Prompted,
		ReleaseNotes:       o.config.DefaultReleaseNotes,
		ReleaseNotesURL:    fmt.Sprintf("%s/releases/tag/v%s", o.config.RepositoryURL, target),
		MaxDeferrals:       manifest.DefaultMaxDeferrals,
		MinutesUntilForced: manifest.DefaultMinutesUntilForced,
		Release:            release,
	}
	if m == nil {
		return c
	}

	c.Type = m.Type
	if m.ReleaseNotes != "" {
		c.ReleaseNotes = m.ReleaseNotes
	}
	if m.ReleaseNotesURL != "" {
		c.ReleaseNotesURL = m.ReleaseNotesURL
	}
	c.MaxDeferrals = m.MaxDeferrals
	c.MinutesUntilForced = m.MinutesUntilForced

	// Silent updates are never escalated, the manifest type wins for them.
	if c.Type == manifest.Prompted && o.deprecated(m) {
		o.log.Info().
			Str("version", o.config.CurrentVersion).
			Msg("Running version is deprecated, update is forced")
		c.Type = manifest.Forced
	}
	return c
}

// deprecated reports whether the manifest lists the running version as deprecated.
func (o *Orchestrator) deprecated(m *manifest.Manifest) bool {
	current, err := version.NewVersion(o.config.CurrentVersion)
	if err != nil {
		return false
	}
	for _, deprecated := range m.DeprecatedVersions {
		if v, err := version.NewVersion(deprecated); err == nil && current.Equal(v) {
			return true
		}
	}
	return false
}

// DownloadUpdate fetches the candidate's release, reporting progress to progress (which may be
// nil) and to the Progress channel.
func (o *Orchestrator) DownloadUpdate(ctx context.Context, c *Candidate, progress func(percent int)) error {
	o.sink.Track(o.candidateEvent(telemetry.DownloadStarted, c))
	start := time.Now()

	err := o.backend.Download(ctx, c.Release, func(percent int) {
		if progress != nil {
			progress(percent)
		}
		select {
		case o.progressC <- percent:
		default:
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e := o.candidateEvent(telemetry.DownloadFailed, c)
		e.FailureReason = fmt.Sprintf("%T", errors.Cause(err))
		e.FailureDetails = err.Error()
		e.DownloadTime = time.Since(start)
		o.sink.Track(e)
		return errors.Wrapf(err, "failed to download version %s", c.TargetVersion)
	}

	e := o.candidateEvent(telemetry.DownloadCompleted, c)
	e.Success = true
	e.DownloadTime = time.Since(start)
	o.sink.Track(e)
	o.log.Info().
		Str("version", c.TargetVersion).
		Dur("elapsed", e.DownloadTime).
		Msg("Update downloaded")
	return nil
}

// ApplyUpdateAndRestart installs the downloaded candidate and restarts the process. On success
// the process is not expected to return from the backend.
func (o *Orchestrator) ApplyUpdateAndRestart(ctx context.Context, c *Candidate) error {
	if !o.config.Installed {
		return nil
	}
	o.sink.Track(o.candidateEvent(telemetry.ApplyStarted, c))
	o.clear(ctx, c)
	o.sink.Flush()

	start := time.Now()
	if err := o.backend.ApplyAndRestart(c.Release); err != nil {
		o.applyFailed(c, err, time.Since(start))
		return errors.Wrapf(err, "failed to apply version %s", c.TargetVersion)
	}
	e := o.candidateEvent(telemetry.ApplyCompleted, c)
	e.Success = true
	e.ApplyTime = time.Since(start)
	o.sink.Track(e)
	return nil
}

// ApplyUpdateOnExit registers the downloaded candidate to be installed when the process exits.
func (o *Orchestrator) ApplyUpdateOnExit(ctx context.Context, c *Candidate) error {
	if !o.config.Installed {
		return nil
	}
	o.clear(ctx, c)
	if err := o.backend.ApplyOnExit(c.Release); err != nil {
		o.applyFailed(c, err, 0)
		return errors.Wrapf(err, "failed to schedule version %s", c.TargetVersion)
	}
	o.log.Info().Str("version", c.TargetVersion).Msg("Update will be applied on exit")
	return nil
}

// DeferUpdate postpones a prompted candidate. Other types are never deferred and leave the
// deferral history untouched.
func (o *Orchestrator) DeferUpdate(ctx context.Context, c *Candidate) (bool, error) {
	if !c.Type.Deferrable() {
		return false, nil
	}
	if !o.store.CanDefer(ctx, c.TargetVersion, c.limits()) {
		o.log.Info().Str("version", c.TargetVersion).Msg("Update can no longer be deferred")
		return false, nil
	}
	ok, err := o.store.Defer(ctx, c.TargetVersion, c.limits())
	if err != nil {
		o.log.Err(err).Str("version", c.TargetVersion).Msg("Failed to record deferral")
		return false, err
	}
	if !ok {
		return false, nil
	}

	var count int
	if state := o.store.State(ctx, c.TargetVersion); state != nil {
		count = state.DeferralCount
		c.DeferUntil = state.DeferUntil
	}
	c.DeferralCount = count
	e := o.candidateEvent(telemetry.Deferred, c)
	e.Success = true
	e.DeferralCount = &count
	o.sink.Track(e)
	o.log.Info().
		Str("version", c.TargetVersion).
		Int("count", count).
		Int("max", c.MaxDeferrals).
		Msg("Update deferred")
	return true, nil
}

// CanDeferUpdate reports whether DeferUpdate would currently accept the candidate.
func (o *Orchestrator) CanDeferUpdate(ctx context.Context, c *Candidate) bool {
	if !c.Type.Deferrable() {
		return false
	}
	return o.store.CanDefer(ctx, c.TargetVersion, c.limits())
}

func (o *Orchestrator) clear(ctx context.Context, c *Candidate) {
	if err := o.store.Clear(ctx, c.TargetVersion); err != nil {
		o.log.Err(err).Str("version", c.TargetVersion).Msg("Failed to clear deferral state")
	}
}

func (o *Orchestrator) applyFailed(c *Candidate, err error, elapsed time.Duration) {
	e := o.candidateEvent(telemetry.ApplyFailed, c)
	e.FailureReason = fmt.Sprintf("%T", errors.Cause(err))
	e.FailureDetails = err.Error()
	e.ApplyTime = elapsed
	o.sink.Track(e)
}

func (o *Orchestrator) newEvent(t telemetry.EventType, target string) telemetry.Event {
	e := telemetry.NewEvent(t)
	e.CurrentVersion = o.config.CurrentVersion
	e.TargetVersion = target
	e.Channel = o.config.Channel
	e.MachineID = o.config.MachineID
	return e
}

func (o *Orchestrator) candidateEvent(t telemetry.EventType, c *Candidate) telemetry.Event {
	e := o.newEvent(t, c.TargetVersion)
	updateType := c.Type
	e.UpdateType = &updateType
	return e
}
