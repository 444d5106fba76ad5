/*
Copyright 2025 The update-pipeline authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package watcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func npmSource(provider, pkg string) Source {
	return Source{ProviderID: provider, Type: SourceNPM, Source: pkg, CheckInterval: time.Minute}
}

// collector buffers emitted watcher events behind a mutex so tests can
// assert on them without races.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) record(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestCheckSourceNPM(t *testing.T) {
	version := "1.2.0"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/@openai/codex/latest", r.URL.Path)
		fmt.Fprintf(w, `{"version": %q}`, version)
	}))
	defer srv.Close()

	w := New(Config{NPMBaseURL: srv.URL}, clockwork.NewFakeClock())
	var got collector
	w.Events().Subscribe(got.record)
	src := npmSource("codex", "@openai/codex")
	require.NoError(t, w.AddSource(src))

	d, err := w.CheckSource(context.Background(), src)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "codex", d.ProviderID)
	require.Equal(t, "1.2.0", d.Version)
	require.Empty(t, d.PreviousVersion, "first observation has no previous version")

	// the same version again is silent
	d, err = w.CheckSource(context.Background(), src)
	require.NoError(t, err)
	require.Nil(t, d)

	// a changed version fires again with the previous one attached
	version = "1.3.0"
	d, err = w.CheckSource(context.Background(), src)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "1.2.0", d.PreviousVersion)

	events := got.all()
	require.Len(t, events, 2)
	for _, e := range events {
		require.Equal(t, EventVersionDiscovered, e.Type)
	}
}

func TestCheckSourceGitHubStripsTagPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/anthropics/claude-code/releases/latest", r.URL.Path)
		fmt.Fprint(w, `{"tag_name": "v2.0.1", "html_url": "https://example.com/release"}`)
	}))
	defer srv.Close()

	w := New(Config{GitHubBaseURL: srv.URL}, clockwork.NewFakeClock())
	d, err := w.CheckSource(context.Background(), Source{
		ProviderID:    "claude_code",
		Type:          SourceGitHubReleases,
		Source:        "anthropics/claude-code",
		CheckInterval: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, "2.0.1", d.Version)
	require.Equal(t, "https://example.com/release", d.SourceURL)
}

func TestCheckSourceHomebrew(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/formula/gemini-cli.json", r.URL.Path)
		fmt.Fprint(w, `{"versions": {"stable": "0.9.4"}}`)
	}))
	defer srv.Close()

	w := New(Config{HomebrewBaseURL: srv.URL}, clockwork.NewFakeClock())
	d, err := w.CheckSource(context.Background(), Source{
		ProviderID:    "gemini_cli",
		Type:          SourceHomebrew,
		Source:        "gemini-cli",
		CheckInterval: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, "0.9.4", d.Version)
}

func TestCheckSourceFailureEmitsCheckError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := New(Config{NPMBaseURL: srv.URL}, clockwork.NewFakeClock())
	var got collector
	w.Events().Subscribe(got.record)

	_, err := w.CheckSource(context.Background(), npmSource("codex", "codex"))
	require.Error(t, err)

	events := got.all()
	require.Len(t, events, 1)
	require.Equal(t, EventCheckError, events[0].Type)
	require.Equal(t, "codex", events[0].ProviderID)
	require.Contains(t, events[0].Err, "non-200 status code")
}

func TestCheckAllSourcesSurvivesOneFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken/latest" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"version": "3.0.0"}`)
	}))
	defer srv.Close()

	w := New(Config{NPMBaseURL: srv.URL}, clockwork.NewFakeClock())
	require.NoError(t, w.AddSource(npmSource("broken", "broken")))
	require.NoError(t, w.AddSource(npmSource("working", "working")))

	discovered := w.CheckAllSources(context.Background())
	require.Len(t, discovered, 1)
	require.Equal(t, "working", discovered[0].ProviderID)
}

func TestRegisterHeartbeatVersionSuppressesDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version": "5.0.0"}`)
	}))
	defer srv.Close()

	w := New(Config{NPMBaseURL: srv.URL}, clockwork.NewFakeClock())
	w.RegisterHeartbeatVersion("codex", "5.0.0")
	v, ok := w.KnownVersion("codex")
	require.True(t, ok)
	require.Equal(t, "5.0.0", v)

	// the poll now returns the version the fleet already reported
	d, err := w.CheckSource(context.Background(), npmSource("codex", "codex"))
	require.NoError(t, err)
	require.Nil(t, d, "heartbeat-known version must not re-fire discovery")

	// blank identifiers are ignored
	w.RegisterHeartbeatVersion("", "1.0.0")
	w.RegisterHeartbeatVersion("codex", "")
	require.Len(t, w.AllKnownVersions(), 1)
}

func TestCustomSourceExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "release: 7.7.7")
	}))
	defer srv.Close()

	w := New(Config{}, clockwork.NewFakeClock())
	d, err := w.CheckSource(context.Background(), Source{
		ProviderID:    "custom",
		Type:          SourceCustom,
		Source:        srv.URL,
		CheckInterval: time.Minute,
		Extract: func(body []byte) (string, error) {
			return string(body[len("release: "):]), nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, "7.7.7", d.Version)
}

func TestAddSourceValidation(t *testing.T) {
	w := New(Config{}, clockwork.NewFakeClock())
	require.Error(t, w.AddSource(Source{Type: SourceNPM, Source: "pkg", CheckInterval: time.Minute}))
	require.Error(t, w.AddSource(Source{ProviderID: "p", Type: SourceNPM, CheckInterval: time.Minute}))
	require.Error(t, w.AddSource(Source{ProviderID: "p", Type: "ftp", Source: "x", CheckInterval: time.Minute}))
	require.Error(t, w.AddSource(Source{ProviderID: "p", Type: SourceNPM, Source: "pkg"}))
	require.Error(t, w.AddSource(Source{ProviderID: "p", Type: SourceCustom, Source: "url", CheckInterval: time.Minute}))

	require.NoError(t, w.AddSource(npmSource("p", "pkg")))
	w.Start(context.Background())
	defer w.Stop()
	err := w.AddSource(npmSource("q", "other"))
	require.Error(t, err, "sources are frozen while running")
}

func TestStartPollsOnInterval(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		fmt.Fprintf(w, `{"version": "1.0.%d"}`, n)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	w := New(Config{NPMBaseURL: srv.URL}, clock)
	var got collector
	w.Events().Subscribe(got.record)
	require.NoError(t, w.AddSource(npmSource("codex", "codex")))

	w.Start(context.Background())
	defer w.Stop()

	// the poll goroutine blocks on the fake ticker
	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return len(got.all()) >= 2
	}, time.Second, 5*time.Millisecond, "initial sweep plus one tick")
}
