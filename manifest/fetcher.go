package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

const (
	DefaultFileName = "update-manifest.json"

	clientTimeout = time.Second * 30
	// manifests are a few hundred bytes; anything larger is not a manifest
	maxManifestSize = 1 << 20
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fetcher retrieves the policy manifest of a specific version.
type Fetcher interface {
	// GetManifest returns nil when the manifest cannot be retrieved or parsed, so callers
	// fall back to the default policy instead of failing the update.
	GetManifest(ctx context.Context, version string) *Manifest
}

// HTTPFetcher reads manifests from the release assets of a repository:
// <repositoryURL>/releases/download/v<version>/<fileName>
type HTTPFetcher struct {
	repositoryURL string
	fileName      string
	userAgent     string
	client        *http.Client
	log           *zerolog.Logger
}

// NewHTTPFetcher creates a Fetcher. An empty fileName selects DefaultFileName.
func NewHTTPFetcher(repositoryURL, fileName, userAgent string, log *zerolog.Logger) *HTTPFetcher {
	if fileName == "" {
		fileName = DefaultFileName
	}
	return &HTTPFetcher{
		repositoryURL: strings.TrimRight(repositoryURL, "/"),
		fileName:      fileName,
		userAgent:     userAgent,
		client:        &http.Client{Timeout: clientTimeout},
		log:           log,
	}
}

// URL returns the location of the manifest for version.
func (f *HTTPFetcher) URL(version string) string {
	return fmt.Sprintf("%s/releases/download/v%s/%s", f.repositoryURL, strings.TrimPrefix(version, "v"), f.fileName)
}

func (f *HTTPFetcher) GetManifest(ctx context.Context, version string) *Manifest {
	manifestURL := f.URL(version)
	log := f.log.With().Str("url", manifestURL).Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Cannot build manifest request")
		return nil
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to fetch manifest")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// older releases were published without a manifest
		log.Debug().Int("status", resp.StatusCode).Msg("No manifest for release")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read manifest")
		return nil
	}

	m, err := Parse(body)
	if err != nil {
		log.Debug().Err(err).Msg("Malformed manifest")
		return nil
	}
	return m
}
