package updater

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	gh "github.com/google/go-github/v80/github"
	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/averonhq/agentupdate/orchestrator"
)

const (
	// releases are listed newest first; older pages never hold a newer version
	releasesPerPage = 30
	checksumSuffix  = ".sha256"
	// checks run once a day, this only guards against hot loops on the API
	githubRequestRate = rate.Limit(1)
)

// GitHubOptions configures a GitHubSource.
type GitHubOptions struct {
	// Prerelease includes releases marked as prerelease.
	Prerelease bool
	// Token authenticates API requests, raising the rate limit.
	Token string
	// APIURL replaces https://api.github.com/, for enterprise servers and tests.
	APIURL string
}

// GitHubSource implements Source using the releases of a GitHub repository. A release is
// eligible when it has an asset named <appName>-<os>-<arch>, optionally with a .tgz suffix
// (or .exe on Windows). A sibling asset with a .sha256 suffix supplies the checksum.
type GitHubSource struct {
	client         *gh.Client
	httpClient     *http.Client
	owner          string
	repo           string
	appName        string
	currentVersion string
	prerelease     bool
	limiter        *rate.Limiter
	log            *zerolog.Logger
}

// NewGitHubSource creates a Source for repositoryURL, e.g. https://github.com/owner/repo.
func NewGitHubSource(repositoryURL, appName, currentVersion string, opts GitHubOptions, log *zerolog.Logger) (*GitHubSource, error) {
	owner, repo, err := parseRepositoryURL(repositoryURL)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: clientTimeout}
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = clientTimeout
	}
	client := gh.NewClient(httpClient)
	if opts.APIURL != "" {
		baseURL, err := url.Parse(strings.TrimRight(opts.APIURL, "/") + "/")
		if err != nil {
			return nil, errors.Wrapf(err, "invalid GitHub API URL %s", opts.APIURL)
		}
		client.BaseURL = baseURL
	}

	return &GitHubSource{
		client:         client,
		httpClient:     &http.Client{Timeout: clientTimeout},
		owner:          owner,
		repo:           repo,
		appName:        appName,
		currentVersion: currentVersion,
		prerelease:     opts.Prerelease,
		limiter:        rate.NewLimiter(githubRequestRate, 1),
		log:            log,
	}, nil
}

func parseRepositoryURL(repositoryURL string) (owner, repo string, err error) {
	u, err := url.Parse(repositoryURL)
	if err != nil {
		return "", "", errors.Wrapf(err, "invalid repository URL %s", repositoryURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository URL %s is not of the form https://github.com/<owner>/<repo>", repositoryURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// assetNames lists the accepted asset names for this platform, preferred first.
func assetNames(appName string) []string {
	base := fmt.Sprintf("%s-%s-%s", appName, runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		return []string{base + ".exe", base}
	}
	return []string{base, base + ".tgz"}
}

func (s *GitHubSource) Check(ctx context.Context) (*orchestrator.Release, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	releases, _, err := s.client.Repositories.ListReleases(ctx, s.owner, s.repo, &gh.ListOptions{PerPage: releasesPerPage})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list releases of %s/%s", s.owner, s.repo)
	}

	latest, latestVersion := s.newest(releases)
	if latest == nil {
		return nil, nil
	}

	release := &orchestrator.Release{Version: latestVersion.String()}
	assets := make(map[string]*gh.ReleaseAsset, len(latest.Assets))
	for _, asset := range latest.Assets {
		assets[asset.GetName()] = asset
	}
	var assetName string
	for _, name := range assetNames(s.appName) {
		if asset, ok := assets[name]; ok {
			assetName = name
			release.URL = asset.GetBrowserDownloadURL()
			release.Compressed = strings.HasSuffix(name, ".tgz")
			break
		}
	}
	if release.URL == "" {
		return nil, fmt.Errorf("release %s has no asset for %s/%s", latest.GetTagName(), runtime.GOOS, runtime.GOARCH)
	}

	if asset, ok := assets[assetName+checksumSuffix]; ok {
		checksum, err := s.fetchChecksum(ctx, asset.GetBrowserDownloadURL())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to fetch checksum of %s", assetName)
		}
		release.Checksum = checksum
	} else {
		s.log.Warn().Str("asset", assetName).Msg("Release has no checksum, the download will not be verified")
	}
	return release, nil
}

// newest returns the highest eligible release above the running version.
func (s *GitHubSource) newest(releases []*gh.RepositoryRelease) (*gh.RepositoryRelease, *version.Version) {
	var (
		best        *gh.RepositoryRelease
		bestVersion *version.Version
	)
	for _, r := range releases {
		if r.GetDraft() || (r.GetPrerelease() && !s.prerelease) {
			continue
		}
		v, err := version.NewVersion(r.GetTagName())
		if err != nil {
			s.log.Debug().Str("tag", r.GetTagName()).Msg("Skipping release with a non semantic tag")
			continue
		}
		if !IsNewerVersion(s.currentVersion, v.String()) {
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best, bestVersion = r, v
		}
	}
	return best, bestVersion
}

// fetchChecksum reads a sha256sum style file: the hex digest is the first field.
func (s *GitHubSource) fetchChecksum(ctx context.Context, checksumURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checksumURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() {
		return "", errors.New("empty checksum file")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return "", errors.New("empty checksum file")
	}
	return strings.ToLower(fields[0]), nil
}
