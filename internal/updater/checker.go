// Package updater compares the running build with the latest published
// release.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultReleasesURL is the GitHub API endpoint for the latest release.
const DefaultReleasesURL = "https://api.github.com/repos/claraverse/tabrelay/releases/latest"

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Release is the latest published version.
type Release struct {
	Version string
	URL     string
}

// Checker fetches the latest release.
type Checker struct {
	URL    string
	Client *http.Client
}

// NewChecker returns a checker for the default releases endpoint.
func NewChecker() *Checker {
	return &Checker{
		URL:    DefaultReleasesURL,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Latest fetches the latest release tag. The version has no leading "v".
func (c *Checker) Latest(ctx context.Context) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Release{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Release{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("github API returned %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return Release{}, fmt.Errorf("invalid release payload: %w", err)
	}
	if release.TagName == "" {
		return Release{}, fmt.Errorf("release has no tag")
	}
	return Release{Version: strings.TrimPrefix(release.TagName, "v"), URL: release.HTMLURL}, nil
}

// IsNewer returns true if latest is a higher semver than current.
// Pre-release suffixes ("-dev", "-rc1") are ignored.
func IsNewer(current, latest string) bool {
	curParts := parseSemver(current)
	latParts := parseSemver(latest)
	if curParts == nil || latParts == nil {
		return false
	}
	for i := 0; i < 3; i++ {
		if latParts[i] != curParts[i] {
			return latParts[i] > curParts[i]
		}
	}
	return false
}

func parseSemver(v string) []int {
	v = strings.TrimPrefix(v, "v")
	if idx := strings.IndexAny(v, "-+"); idx >= 0 {
		v = v[:idx]
	}
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return nil
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		nums[i] = n
	}
	return nums
}
