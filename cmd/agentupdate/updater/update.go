package updater

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/facebookgo/grace/gracenet"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/averonhq/agentupdate/config"
	"github.com/averonhq/agentupdate/orchestrator"
)

const (
	clientTimeout                 = time.Second * 60
	noUpdateInShellMessage        = "agentupdate will not automatically update when run from the shell. To enable auto-updates, run it as a service."
	noUpdateOnWindowsMessage      = "agentupdate will not automatically update on Windows systems."
	noUpdateManagedPackageMessage = "agentupdate will not automatically update if installed by a package manager."
	isManagedInstallFile          = ".installedFromPackageManager"

	stagingDirPermMode = 0700
)

// BinaryUpdated implements ExitCoder interface, the app will exit with status code 11
// https://pkg.go.dev/github.com/urfave/cli/v2?tab=doc#ExitCoder
type statusSuccess struct {
	newVersion string
}

func (u *statusSuccess) Error() string {
	return fmt.Sprintf("agentupdate has been updated to version %s", u.newVersion)
}

func (u *statusSuccess) ExitCode() int {
	return 11
}

// UpdateErr implements ExitCoder interface, the app will exit with status code 10
type statusErr struct {
	err error
}

func (e *statusErr) Error() string {
	return fmt.Sprintf("failed to update agentupdate: %v", e.err)
}

func (e *statusErr) ExitCode() int {
	return 10
}

// Updated is the error a command returns after replacing the binary, so the process exits with
// the status service managers restart on.
func Updated(version string) error {
	return &statusSuccess{newVersion: version}
}

// Failed wraps an update failure so the process exits with the update failure status.
func Failed(err error) error {
	return &statusErr{err: err}
}

// Updater implements orchestrator.Backend for a self-replacing binary. Releases are downloaded
// into a staging directory and swapped in for the running executable.
type Updater struct {
	source     Source
	targetPath string
	stagingDir string
	client     *http.Client
	listeners  *gracenet.Net
	log        *zerolog.Logger

	mu      sync.Mutex
	pending *orchestrator.Release

	// exit ends the process after a restart. Overridden in tests.
	exit func(code int)
}

// New creates an Updater replacing targetPath, normally the running executable.
func New(source Source, targetPath, stagingDir string, listeners *gracenet.Net, log *zerolog.Logger) *Updater {
	return &Updater{
		source:     source,
		targetPath: targetPath,
		stagingDir: stagingDir,
		client:     &http.Client{Timeout: clientTimeout},
		listeners:  listeners,
		log:        log,
		exit:       os.Exit,
	}
}

func (u *Updater) CheckForUpdates(ctx context.Context) (*orchestrator.Release, error) {
	return u.source.Check(ctx)
}

func (u *Updater) stagedPath(release *orchestrator.Release) string {
	return filepath.Join(u.stagingDir, fmt.Sprintf("%s-%s.new", filepath.Base(u.targetPath), release.Version))
}

// Download stages the release and verifies its checksum when one is known.
func (u *Updater) Download(ctx context.Context, release *orchestrator.Release, progress func(int)) error {
	if release == nil || release.URL == "" {
		return errors.New("release has no download URL")
	}
	if progress == nil {
		progress = func(int) {}
	}
	if err := os.MkdirAll(u.stagingDir, stagingDirPermMode); err != nil {
		return errors.Wrapf(err, "cannot create staging directory %s", u.stagingDir)
	}

	newFilePath := u.stagedPath(release)
	os.Remove(newFilePath) //remove any failed updates before download

	digest, err := download(ctx, u.client, release.URL, newFilePath, release.Compressed, progress)
	if err != nil {
		os.Remove(newFilePath)
		return err
	}

	if release.Checksum != "" {
		if err := isValidChecksum(release.Checksum, digest); err != nil {
			os.Remove(newFilePath)
			return err
		}
	}
	u.log.Debug().Str("path", newFilePath).Msg("Update staged")
	return nil
}

// ApplyOnExit marks the staged release to be installed by ApplyPending.
func (u *Updater) ApplyOnExit(release *orchestrator.Release) error {
	if ok, err := config.FileExists(u.stagedPath(release)); !ok {
		if err == nil {
			err = fmt.Errorf("version %s has not been downloaded", release.Version)
		}
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = release
	return nil
}

// ApplyPending installs the release registered with ApplyOnExit, if any. The host calls it
// while shutting down.
func (u *Updater) ApplyPending() (*orchestrator.Release, error) {
	u.mu.Lock()
	release := u.pending
	u.pending = nil
	u.mu.Unlock()

	if release == nil {
		return nil, nil
	}
	if err := u.replace(release); err != nil {
		return nil, err
	}
	u.log.Info().Str("version", release.Version).Msg("Pending update applied")
	return release, nil
}

// ApplyAndRestart installs the staged release and replaces the running process with it. It
// only returns on failure.
func (u *Updater) ApplyAndRestart(release *orchestrator.Release) error {
	if err := u.replace(release); err != nil {
		return err
	}
	u.log.Info().Str("version", release.Version).Msg("Update applied")

	if u.listeners != nil && IsSysV() {
		// SysV doesn't have a mechanism to keep service alive, we have to restart the process
		u.log.Info().Msg("Restarting service managed by SysV...")
		pid, err := u.listeners.StartProcess()
		if err != nil {
			return errors.Wrap(err, "unable to restart automatically")
		}
		// stop old process after autoupdate. Otherwise we create a new process
		// after each update
		u.log.Info().Msgf("PID of the new process is %d", pid)
	}
	u.exit((&statusSuccess{newVersion: release.Version}).ExitCode())
	return nil
}

// replace does the actual swap of the running binary for the staged one.
func (u *Updater) replace(release *orchestrator.Release) error {
	stagedPath := u.stagedPath(release)
	if ok, _ := config.FileExists(stagedPath); !ok {
		return fmt.Errorf("version %s has not been downloaded", release.Version)
	}
	defer os.Remove(stagedPath)

	// the staging directory may be on another filesystem, renames only work next to the target
	newFilePath := fmt.Sprintf("%s.new", u.targetPath)
	if err := copyFile(stagedPath, newFilePath); err != nil {
		return errors.Wrapf(err, "cannot copy update next to %s", u.targetPath)
	}

	oldFilePath := fmt.Sprintf("%s.old", u.targetPath)
	// Windows requires more effort to self update, especially when it is running as a service:
	// you have to stop the service (if running as one) in order to move/rename the binary
	// but now the binary isn't running though, so an external process
	// has to move the old binary out and the new one in then start the service
	if runtime.GOOS == "windows" {
		if err := writeBatchFile(u.targetPath, newFilePath, oldFilePath); err != nil {
			return err
		}
		rootDir := filepath.Dir(u.targetPath)
		batchPath := filepath.Join(rootDir, batchFileName)
		return runWindowsBatch(batchPath)
	}

	// now move the current file out, move the new file in and delete the old file
	if err := os.Rename(u.targetPath, oldFilePath); err != nil {
		os.Remove(newFilePath)
		return err
	}

	if err := os.Rename(newFilePath, u.targetPath); err != nil {
		//attempt rollback
		os.Rename(oldFilePath, u.targetPath)
		return err
	}
	os.Remove(oldFilePath)

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// SupportAutoUpdate reports whether the process runs as an installed service that may replace
// its own binary.
func SupportAutoUpdate(log *zerolog.Logger) bool {
	if runtime.GOOS == "windows" {
		log.Info().Msg(noUpdateOnWindowsMessage)
		return false
	}

	if wasInstalledFromPackageManager() {
		log.Info().Msg(noUpdateManagedPackageMessage)
		return false
	}

	if isRunningFromTerminal() {
		log.Info().Msg(noUpdateInShellMessage)
		return false
	}
	return true
}

func wasInstalledFromPackageManager() bool {
	ok, _ := config.FileExists(filepath.Join(config.DefaultUnixConfigLocation, isManagedInstallFile))
	return ok
}

func isRunningFromTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func IsSysV() bool {
	if runtime.GOOS != "linux" {
		return false
	}

	if _, err := os.Stat("/run/systemd/system"); err == nil {
		return false
	}
	return true
}
