package orchestrator

import (
	"time"

	"github.com/averonhq/agentupdate/deferral"
	"github.com/averonhq/agentupdate/manifest"
)

// Release is what a Backend knows about a newer version: where to get it and how to check it.
type Release struct {
	Version string
	URL     string
	// Checksum is the hex encoded SHA-256 of the downloaded file, if known.
	Checksum string
	// Compressed is set when the download is a tgz archive holding the binary.
	Compressed  bool
	UserMessage string
}

// Candidate is the update decision of one check: the release merged with its manifest and the
// local deferral history. It is never persisted.
type Candidate struct {
	CurrentVersion     string
	TargetVersion      string
	Type               manifest.UpdateType
	ReleaseNotes       string
	ReleaseNotesURL    string
	MaxDeferrals       int
	MinutesUntilForced int
	DeferUntil         *time.Time
	DeferralCount      int
	Release            *Release
}

// IsCritical reports whether the candidate must be installed without deferral.
func (c *Candidate) IsCritical() bool {
	return c.Type.IsCritical()
}

func (c *Candidate) limits() deferral.Limits {
	return deferral.LimitsFromMinutes(c.MaxDeferrals, c.MinutesUntilForced)
}
