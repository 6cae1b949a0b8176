package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stillweb/stillweb/internal/mirror"
)

func writeJob(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithOverrides(t *testing.T) {
	t.Parallel()

	rules, err := Load("", func(d *Document) {
		d.Seeds = []string{"https://example.com/"}
		d.Output.Root = t.TempDir()
	})
	require.NoError(t, err)

	require.Equal(t, mirror.ScopeSameHost, rules.ScopeMode)
	require.Equal(t, 3, rules.MaxDepth)
	require.Equal(t, 8, rules.Concurrency)
	require.Equal(t, 2.0, rules.RateLimitPerHost)
	require.Equal(t, 3, rules.RetryLimit)
	require.True(t, rules.RespectRobots)
	require.True(t, rules.SortQuery)
	require.False(t, rules.SitemapSeeding)
	require.Equal(t, mirror.RenderOff, rules.RenderMode)
	require.Equal(t, mirror.SettleDelay, rules.RenderSettle.Mode)
	require.Equal(t, 1500*time.Millisecond, rules.RenderSettle.Delay)
	require.Equal(t, 30*time.Second, rules.RequestTimeout)
	require.Equal(t, int64(32<<20), rules.MaxBodyBytes)
	require.Equal(t, 5, rules.MaxRedirects)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	jobYAML := `
seeds:
  - https://example.com/
  - https://example.com/docs/
scope:
  mode: prefix
  value: https://example.com/docs/
limits:
  max_depth: 5
  max_resources: 200
  max_duration: 10m
  concurrency: 4
  rate_limit_per_host: 0.5
  retry_limit: 2
fetch:
  user_agent: archive-bot/1.0
  respect_robots: false
  sitemap_seeding: true
  sort_query: false
  max_redirects: 3
  request_timeout: 45s
  max_body_bytes: 1048576
render:
  mode: auto
  concurrency: 1
  settle:
    mode: network-idle
    delay: 2s
content_types:
  allow: ["text/html", "text/css"]
  deny: ["image/*"]
output:
  root: /tmp/mirror
  strict_offline: true
status_addr: "127.0.0.1:9190"
`
	path := writeJob(t, "job.yaml", jobYAML)

	rules, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, []string{"https://example.com/", "https://example.com/docs/"}, rules.Seeds)
	require.Equal(t, mirror.ScopePrefix, rules.ScopeMode)
	require.Equal(t, "https://example.com/docs/", rules.ScopeValue)
	require.Equal(t, 5, rules.MaxDepth)
	require.Equal(t, 200, rules.MaxResources)
	require.Equal(t, 10*time.Minute, rules.MaxDuration)
	require.Equal(t, 4, rules.Concurrency)
	require.Equal(t, 0.5, rules.RateLimitPerHost)
	require.Equal(t, 2, rules.RetryLimit)
	require.Equal(t, "archive-bot/1.0", rules.UserAgent)
	require.False(t, rules.RespectRobots)
	require.True(t, rules.SitemapSeeding)
	require.False(t, rules.SortQuery)
	require.Equal(t, mirror.RenderAuto, rules.RenderMode)
	require.Equal(t, 1, rules.RenderConcurrency)
	require.Equal(t, mirror.SettleNetworkIdle, rules.RenderSettle.Mode)
	require.Equal(t, 2*time.Second, rules.RenderSettle.Delay)
	require.Equal(t, []string{"text/html", "text/css"}, rules.ContentTypes.Allow)
	require.Equal(t, []string{"image/*"}, rules.ContentTypes.Deny)
	require.Equal(t, "/tmp/mirror", rules.OutputRoot)
	require.True(t, rules.StrictOfflineMode)
	require.Equal(t, int64(1<<20), rules.MaxBodyBytes)
	require.Equal(t, "127.0.0.1:9190", rules.StatusAddr)
}

func TestLoadJSONDocument(t *testing.T) {
	t.Parallel()

	jobJSON := `{
  "seeds": ["https://example.org/"],
  "limits": {"concurrency": 2},
  "output": {"root": "/tmp/mirror-json"}
}`
	path := writeJob(t, "job.json", jobJSON)

	rules, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.org/"}, rules.Seeds)
	require.Equal(t, 2, rules.Concurrency)
	require.Equal(t, "/tmp/mirror-json", rules.OutputRoot)
	// Untouched sections keep their defaults.
	require.Equal(t, 3, rules.MaxDepth)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeJob(t, "job.yaml", `
seeds: ["https://example.com/"]
output:
  root: /tmp/mirror
max_dpeth: 4
`)

	_, err := Load(path)
	require.ErrorIs(t, err, mirror.ErrInvalidJobConfiguration)
}

func TestLoadRejectsInvalidRules(t *testing.T) {
	t.Parallel()

	path := writeJob(t, "job.yaml", `
seeds: ["https://example.com/"]
limits:
  concurrency: 0
output:
  root: /tmp/mirror
`)

	_, err := Load(path)
	require.ErrorIs(t, err, mirror.ErrInvalidJobConfiguration)
	require.Contains(t, err.Error(), "concurrency")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read job file")
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("STILLWEB_LIMITS_CONCURRENCY", "12")

	rules, err := Load("", func(d *Document) {
		d.Seeds = []string{"https://example.com/"}
		d.Output.Root = t.TempDir()
	})
	require.NoError(t, err)
	require.Equal(t, 12, rules.Concurrency)
}
