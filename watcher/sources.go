package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// SourceType selects how a provider's upstream registry is queried
type SourceType string

const (
	// SourceNPM reads registry.npmjs.org/<pkg>/latest
	SourceNPM SourceType = "npm"
	// SourceGitHubReleases reads the latest GitHub release tag
	SourceGitHubReleases SourceType = "github_releases"
	// SourceHomebrew reads formulae.brew.sh formula metadata
	SourceHomebrew SourceType = "homebrew"
	// SourceCustom fetches an arbitrary URL and applies an Extractor
	SourceCustom SourceType = "custom"
)

// Extractor pulls a version string out of a custom source response body
type Extractor func(body []byte) (string, error)

// Source is one upstream registry polled for a provider's latest release
type Source struct {
	ProviderID    string
	Type          SourceType
	Source        string
	CheckInterval time.Duration
	// Extract is required for custom sources, ignored otherwise
	Extract Extractor
}

func (s Source) validate() error {
	if s.ProviderID == "" {
		return trace.BadParameter("source requires providerId")
	}
	if s.Source == "" {
		return trace.BadParameter("source %q requires a source identifier", s.ProviderID)
	}
	switch s.Type {
	case SourceNPM, SourceGitHubReleases, SourceHomebrew:
	case SourceCustom:
		if s.Extract == nil {
			return trace.BadParameter("custom source %q requires an extractor", s.ProviderID)
		}
	default:
		return trace.BadParameter("source %q has unknown type %q", s.ProviderID, s.Type)
	}
	if s.CheckInterval <= 0 {
		return trace.BadParameter("source %q requires a positive check interval", s.ProviderID)
	}
	return nil
}

type npmLatest struct {
	Version string `json:"version"`
	Time    struct {
		Modified time.Time `json:"modified"`
	} `json:"time"`
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

type brewFormula struct {
	Versions struct {
		Stable string `json:"stable"`
	} `json:"versions"`
}

// fetchLatest queries the upstream registry of a source and returns the
// latest version plus the URL it was found at.
func (w *Watcher) fetchLatest(ctx context.Context, src Source) (version, sourceURL string, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HTTPTimeout)
	defer cancel()

	switch src.Type {
	case SourceNPM:
		sourceURL = fmt.Sprintf("%s/%s/latest", w.cfg.NPMBaseURL, src.Source)
		body, err := w.client.GetContent(ctx, sourceURL)
		if err != nil {
			return "", "", trace.Wrap(err)
		}
		var doc npmLatest
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", "", trace.Wrap(err)
		}
		if doc.Version == "" {
			return "", "", trace.NotFound("npm package %q has no latest version", src.Source)
		}
		return doc.Version, sourceURL, nil

	case SourceGitHubReleases:
		sourceURL = fmt.Sprintf("%s/repos/%s/releases/latest", w.cfg.GitHubBaseURL, src.Source)
		body, err := w.client.GetContent(ctx, sourceURL)
		if err != nil {
			return "", "", trace.Wrap(err)
		}
		var doc githubRelease
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", "", trace.Wrap(err)
		}
		if doc.TagName == "" {
			return "", "", trace.NotFound("repository %q has no latest release", src.Source)
		}
		if doc.HTMLURL != "" {
			sourceURL = doc.HTMLURL
		}
		return strings.TrimPrefix(doc.TagName, "v"), sourceURL, nil

	case SourceHomebrew:
		sourceURL = fmt.Sprintf("%s/api/formula/%s.json", w.cfg.HomebrewBaseURL, src.Source)
		body, err := w.client.GetContent(ctx, sourceURL)
		if err != nil {
			return "", "", trace.Wrap(err)
		}
		var doc brewFormula
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", "", trace.Wrap(err)
		}
		if doc.Versions.Stable == "" {
			return "", "", trace.NotFound("formula %q has no stable version", src.Source)
		}
		return doc.Versions.Stable, sourceURL, nil

	case SourceCustom:
		sourceURL = src.Source
		body, err := w.client.GetContent(ctx, sourceURL)
		if err != nil {
			return "", "", trace.Wrap(err)
		}
		version, err := src.Extract(body)
		if err != nil {
			return "", "", trace.Wrap(err)
		}
		if version == "" {
			return "", "", trace.NotFound("custom source %q extracted an empty version", src.ProviderID)
		}
		return version, sourceURL, nil

	default:
		return "", "", trace.BadParameter("unknown source type %q", src.Type)
	}
}
