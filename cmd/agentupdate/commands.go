package main

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/averonhq/agentupdate/cmd/agentupdate/buildinfo"
	"github.com/averonhq/agentupdate/cmd/agentupdate/updater"
	"github.com/averonhq/agentupdate/deferral"
	"github.com/averonhq/agentupdate/manifest"
	"github.com/averonhq/agentupdate/orchestrator"
)

const (
	restartFlag = "restart"
	pidFileFlag = "pidfile"

	noUpdateMessage = "No update available"

	// exitCodeRefused reports that a deferral was not accepted
	exitCodeRefused = 2
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func commands(bInfo *buildinfo.BuildInfo) []*cli.Command {
	return []*cli.Command{
		{
			Name:   "run",
			Action: runCommand(bInfo),
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    pidFileFlag,
					Usage:   "Write the application's PID to this file after the service started",
					EnvVars: []string{"AGENTUPDATE_PIDFILE"},
				},
			},
			Usage:  "Check for updates periodically and install them according to their policy",
			Description: `Runs the update service in the foreground. This is also what happens when no
command is given. Silent updates are installed when the service stops. With
unattended: true in the config file, critical updates are installed and the
service restarted right away, other updates are deferred while their policy
allows it.`,
		},
		{
			Name:   "check",
			Action: checkCommand(bInfo),
			Usage:  "Check once for an update and print it",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: jsonFlag, Usage: "Print the update as JSON"},
			},
		},
		{
			Name:   "defer",
			Action: deferCommand(bInfo),
			Usage:  "Postpone the available update",
			Description: `Defers the available update for one deferral window. Exits with code 2 when
the update cannot be deferred any longer.`,
		},
		{
			Name:   "install",
			Action: installCommand(bInfo),
			Usage:  "Download and install the available update",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: restartFlag, Usage: "Restart the service with the new version"},
			},
			Description: `Downloads the available update and replaces the agent binary.

To determine if an update happened in a script, check for exit code 11.`,
		},
		{
			Name:   "status",
			Action: statusCommand(bInfo),
			Usage:  "Print the deferral state of the latest release",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: jsonFlag, Usage: "Print the state as JSON"},
			},
		},
		{
			Name: "version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s version %s\n", c.App.Name, c.App.Version)
				fmt.Fprintf(c.App.Writer, "GOOS: %s, GOVersion: %s, GoArch: %s\n", bInfo.GoOS, bInfo.GoVersion, bInfo.GoArch)
				return nil
			},
			Usage:       versionText,
			Description: versionText,
		},
	}
}

// candidateOutput is the printed form of a candidate.
type candidateOutput struct {
	CurrentVersion     string              `json:"currentVersion"`
	TargetVersion      string              `json:"targetVersion"`
	UpdateType         manifest.UpdateType `json:"updateType"`
	ReleaseNotes       string              `json:"releaseNotes"`
	ReleaseNotesURL    string              `json:"releaseNotesUrl,omitempty"`
	MaxDeferrals       int                 `json:"maxDeferrals"`
	MinutesUntilForced int                 `json:"minutesUntilForced"`
	DeferralCount      int                 `json:"deferralCount"`
	DeferUntil         *time.Time          `json:"deferUntil,omitempty"`
	CanDefer           bool                `json:"canDefer"`
	DownloadURL        string              `json:"downloadUrl,omitempty"`
	UserMessage        string              `json:"userMessage,omitempty"`
}

func newCandidateOutput(candidate *orchestrator.Candidate, canDefer bool) *candidateOutput {
	out := &candidateOutput{
		CurrentVersion:     candidate.CurrentVersion,
		TargetVersion:      candidate.TargetVersion,
		UpdateType:         candidate.Type,
		ReleaseNotes:       candidate.ReleaseNotes,
		ReleaseNotesURL:    candidate.ReleaseNotesURL,
		MaxDeferrals:       candidate.MaxDeferrals,
		MinutesUntilForced: candidate.MinutesUntilForced,
		DeferralCount:      candidate.DeferralCount,
		DeferUntil:         candidate.DeferUntil,
		CanDefer:           canDefer,
	}
	if candidate.Release != nil {
		out.DownloadURL = candidate.Release.URL
		out.UserMessage = candidate.Release.UserMessage
	}
	return out
}

func printJSON(c *cli.Context, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(data))
	return err
}

func checkCommand(bInfo *buildinfo.BuildInfo) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, _, err := setup(c, bInfo, stackOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		candidate, err := s.orchestrator.CheckForUpdates(c.Context)
		if err != nil {
			return err
		}

		var out *candidateOutput
		if candidate != nil {
			out = newCandidateOutput(candidate, s.orchestrator.CanDeferUpdate(c.Context, candidate))
		}
		if c.Bool(jsonFlag) {
			return printJSON(c, out)
		}
		if out == nil {
			fmt.Fprintln(c.App.Writer, noUpdateMessage)
			return nil
		}

		fmt.Fprintf(c.App.Writer, "Update available: %s -> %s (%s)\n", out.CurrentVersion, out.TargetVersion, out.UpdateType)
		fmt.Fprintln(c.App.Writer, out.ReleaseNotes)
		if out.ReleaseNotesURL != "" {
			fmt.Fprintf(c.App.Writer, "Release notes: %s\n", out.ReleaseNotesURL)
		}
		if out.UserMessage != "" {
			fmt.Fprintln(c.App.Writer, out.UserMessage)
		}
		if out.CanDefer {
			fmt.Fprintf(c.App.Writer, "The update can be deferred (deferred %d times so far)\n", out.DeferralCount)
		}
		return nil
	}
}

func deferCommand(bInfo *buildinfo.BuildInfo) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, _, err := setup(c, bInfo, stackOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		candidate, err := s.orchestrator.CheckForUpdates(c.Context)
		if err != nil {
			return err
		}
		if candidate == nil {
			fmt.Fprintln(c.App.Writer, noUpdateMessage)
			return nil
		}

		deferred, err := s.orchestrator.DeferUpdate(c.Context, candidate)
		if err != nil {
			return err
		}
		if !deferred {
			return cli.Exit(fmt.Sprintf("Update to %s (%s) cannot be deferred", candidate.TargetVersion, candidate.Type), exitCodeRefused)
		}

		until := "the next check"
		if candidate.DeferUntil != nil {
			until = candidate.DeferUntil.Local().Format(time.RFC1123)
		}
		fmt.Fprintf(c.App.Writer, "Update to %s deferred until %s (deferral %d)\n", candidate.TargetVersion, until, candidate.DeferralCount)
		return nil
	}
}

func installCommand(bInfo *buildinfo.BuildInfo) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, _, err := setup(c, bInfo, stackOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		candidate, err := s.orchestrator.CheckForUpdates(c.Context)
		if err != nil {
			return updater.Failed(err)
		}
		if candidate == nil {
			fmt.Fprintln(c.App.Writer, noUpdateMessage)
			return nil
		}

		progress := func(percent int) {
			fmt.Fprintf(c.App.ErrWriter, "\rDownloading %s: %3d%%", candidate.TargetVersion, percent)
		}
		err = s.orchestrator.DownloadUpdate(c.Context, candidate, progress)
		fmt.Fprintln(c.App.ErrWriter)
		if err != nil {
			return updater.Failed(err)
		}

		if c.Bool(restartFlag) {
			if err := s.orchestrator.ApplyUpdateAndRestart(c.Context, candidate); err != nil {
				return updater.Failed(err)
			}
		} else if err := s.orchestrator.ApplyUpdateOnExit(c.Context, candidate); err != nil {
			return updater.Failed(err)
		}

		// the command exits right away, so install what was registered for exit now
		release, err := s.updater.ApplyPending()
		if err != nil {
			return updater.Failed(err)
		}
		if release == nil {
			return cli.Exit("This installation is not configured to install updates", 1)
		}
		return updater.Updated(release.Version)
	}
}

type statusOutput struct {
	Version string          `json:"version"`
	State   *deferral.State `json:"state"`
}

func statusCommand(bInfo *buildinfo.BuildInfo) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, _, err := setup(c, bInfo, stackOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		release, err := s.updater.CheckForUpdates(c.Context)
		if err != nil {
			return err
		}
		var out *statusOutput
		if release != nil {
			out = &statusOutput{
				Version: release.Version,
				State:   s.store.State(c.Context, release.Version),
			}
		}
		if c.Bool(jsonFlag) {
			return printJSON(c, out)
		}

		switch {
		case out == nil:
			fmt.Fprintln(c.App.Writer, noUpdateMessage)
		case out.State == nil:
			fmt.Fprintf(c.App.Writer, "Version %s has not been deferred\n", out.Version)
		default:
			fmt.Fprintf(c.App.Writer, "Version %s first offered %s, deferred %d times\n",
				out.Version, out.State.FirstPromptTime.Local().Format(time.RFC1123), out.State.DeferralCount)
			if out.State.DeferUntil != nil {
				fmt.Fprintf(c.App.Writer, "Next prompt after %s\n", out.State.DeferUntil.Local().Format(time.RFC1123))
			}
		}
		return nil
	}
}
