package updater

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/averonhq/agentupdate/orchestrator"
)

// CheckinOptions are the update options supported by the checkin API
type CheckinOptions struct {
	// IsBeta is for beta updates to be installed if available
	IsBeta bool

	// RequestedVersion is the specific version to upgrade or downgrade to
	RequestedVersion string
}

// VersionResponse is the JSON response from the checkin API endpoint
type VersionResponse struct {
	URL          string `json:"url"`
	Version      string `json:"version"`
	Checksum     string `json:"checksum"`
	IsCompressed bool   `json:"compressed"`
	UserMessage  string `json:"userMessage"`
	ShouldUpdate bool   `json:"shouldUpdate"`
	Error        string `json:"error"`
}

// CheckinSource implements Source against an update server that answers a single JSON checkin
// request with the release the client should run.
type CheckinSource struct {
	currentVersion string
	url            string
	opts           CheckinOptions
	client         *http.Client
}

// NewCheckinSource creates a Source querying url.
func NewCheckinSource(currentVersion, url string, opts CheckinOptions) *CheckinSource {
	return &CheckinSource{
		currentVersion: currentVersion,
		url:            url,
		opts:           opts,
		client:         &http.Client{Timeout: clientTimeout},
	}
}

// Check does a check in with the update server to get a new version update
func (s *CheckinSource) Check(ctx context.Context) (*orchestrator.Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Add(OSKeyName, runtime.GOOS)
	q.Add(ArchitectureKeyName, runtime.GOARCH)
	q.Add(ClientVersionName, s.currentVersion)

	if s.opts.IsBeta {
		q.Add(BetaKeyName, "true")
	}

	if s.opts.RequestedVersion != "" {
		q.Add(VersionKeyName, s.opts.RequestedVersion)
	}

	req.URL.RawQuery = q.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var v VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, errors.Wrapf(err, "invalid checkin response (status %d)", resp.StatusCode)
	}

	if v.Error != "" {
		return nil, errors.New(v.Error)
	}

	if !v.ShouldUpdate && !IsNewerVersion(s.currentVersion, v.Version) {
		return nil, nil
	}

	return &orchestrator.Release{
		Version:     strings.TrimPrefix(v.Version, "v"),
		URL:         v.URL,
		Checksum:    v.Checksum,
		Compressed:  v.IsCompressed,
		UserMessage: v.UserMessage,
	}, nil
}
