package updater

import (
	"context"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/averonhq/agentupdate/orchestrator"
)

// Source finds the newest release the running version may update to.
type Source interface {
	// Check returns nil when the running version is the latest.
	Check(ctx context.Context) (*orchestrator.Release, error)
}

const (
	// OSKeyName is the url parameter key to send to the checkin API for the operating system of the local agent (e.g. windows, darwin, linux)
	OSKeyName = "os"

	// ArchitectureKeyName is the url parameter key to send to the checkin API for the architecture of the local agent (e.g. amd64, x86)
	ArchitectureKeyName = "arch"

	// BetaKeyName is the url parameter key to send to the checkin API to signal if the update should be a beta version or not
	BetaKeyName = "beta"

	// VersionKeyName is the url parameter key to send to the checkin API to specific what version to upgrade or downgrade to
	VersionKeyName = "version"

	// ClientVersionName is the url parameter key to send the version of the running agent
	ClientVersionName = "clientVersion"
)

// IsNewerVersion reports whether check is a newer semantic version than current.
// Development builds never update.
func IsNewerVersion(current string, check string) bool {
	if current == "" || check == "" {
		return false
	}
	if strings.Contains(strings.ToLower(current), "dev") {
		return false // dev builds shouldn't update
	}

	c, err := version.NewVersion(current)
	if err != nil {
		return false
	}
	n, err := version.NewVersion(check)
	if err != nil {
		return false
	}
	return n.GreaterThan(c)
}
