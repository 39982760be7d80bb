package deferral

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultFileName = "deferrals.json"
	DefaultWindow   = time.Hour * 24

	dirPermMode  = 0700
	filePermMode = 0600
)

// cachedState is a read-through cache of the file, valid only for version.
type cachedState struct {
	version string
	state   *State
}

// FileStore persists the deferral history of the current candidate version as a single JSON
// document. Only one record exists at a time: deferring a new version replaces the record of
// the previous one.
type FileStore struct {
	path   string
	window time.Duration
	log    *zerolog.Logger

	// Now is overridden in tests.
	Now func() time.Time

	mu    sync.Mutex
	cache *cachedState
}

// NewFileStore creates a store backed by path. window is how long a single deferral postpones
// the next prompt; zero selects DefaultWindow.
func NewFileStore(path string, window time.Duration, log *zerolog.Logger) *FileStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &FileStore{
		path:   path,
		window: window,
		log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the location of the state file.
func (s *FileStore) Path() string {
	return s.path
}

// State returns the deferral history for version, or nil when none is recorded. A missing or
// corrupt file reads as no history.
func (s *FileStore) State(ctx context.Context, version string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, version).clone()
}

// Defer records one more deferral of version. It returns false without changing anything
// when CanDefer would refuse.
func (s *FileStore) Defer(ctx context.Context, version string, limits Limits) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	state := s.load(ctx, version).clone()
	if state == nil {
		state = &State{
			Version:         version,
			DeferralCount:   0,
			FirstPromptTime: now,
		}
	}

	if !state.allows(now, limits) {
		return false, nil
	}

	deferUntil := now.Add(s.window)
	if limits.hasDeadline() {
		if deadline := state.ForcedDeadline(limits.ForcedAfter); deadline.Before(deferUntil) {
			deferUntil = deadline
		}
	}

	state.DeferralCount++
	state.LastDeferralTime = &now
	state.DeferUntil = &deferUntil

	if err := s.write(ctx, state); err != nil {
		return false, err
	}
	s.cache = &cachedState{version: version, state: state}
	return true, nil
}

// CanDefer reports whether version may be deferred once more under limits.
func (s *FileStore) CanDefer(ctx context.Context, version string, limits Limits) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	state := s.load(ctx, version)
	if state == nil {
		// first prompt for this version
		state = &State{Version: version, FirstPromptTime: now}
	}
	return state.allows(now, limits)
}

// Expire drops the deferral window of version and keeps its count, so a passed window is
// only reported once.
func (s *FileStore) Expire(ctx context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.load(ctx, version).clone()
	if state == nil || state.DeferUntil == nil {
		return nil
	}
	state.DeferUntil = nil
	if err := s.write(ctx, state); err != nil {
		return err
	}
	s.cache = &cachedState{version: version, state: state}
	return nil
}

// Clear removes the history of version, once it has been applied or superseded. The record
// of any other version is left in place.
func (s *FileStore) Clear(ctx context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.load(ctx, version) == nil {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "cannot remove deferral state %s", s.path)
	}
	s.cache = nil
	return nil
}

// load must be called with mu held. The returned state is shared with the cache.
func (s *FileStore) load(ctx context.Context, version string) *State {
	if s.cache != nil && s.cache.version == version {
		return s.cache.state
	}
	if ctx.Err() != nil {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Debug().Err(err).Str("path", s.path).Msg("Cannot read deferral state")
		}
		return nil
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Debug().Err(err).Str("path", s.path).Msg("Ignoring corrupt deferral state")
		return nil
	}
	if state.Version != version {
		// left over from a previous candidate
		return nil
	}

	s.cache = &cachedState{version: version, state: &state}
	return &state
}

// write replaces the state file with a temporary file so readers never see a partial document.
func (s *FileStore) write(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode deferral state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPermMode); err != nil {
		return errors.Wrapf(err, "cannot create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return errors.Wrap(err, "cannot create temporary deferral state")
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := tmp.Chmod(filePermMode); err != nil {
		cleanup()
		return errors.Wrap(err, "cannot set deferral state permissions")
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errors.Wrap(err, "cannot write deferral state")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "cannot sync deferral state")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "cannot close deferral state")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "cannot replace deferral state %s", s.path)
	}
	return nil
}
