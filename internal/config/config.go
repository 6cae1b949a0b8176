// Package config loads job documents into validated crawl rules via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stillweb/stillweb/internal/mirror"
)

// Document is the on-disk shape of a job file. YAML and JSON both decode
// into it; any key outside this struct fails the load.
type Document struct {
	Seeds        []string  `mapstructure:"seeds"`
	Scope        ScopeDoc  `mapstructure:"scope"`
	Limits       LimitsDoc `mapstructure:"limits"`
	Fetch        FetchDoc  `mapstructure:"fetch"`
	Render       RenderDoc `mapstructure:"render"`
	ContentTypes TypesDoc  `mapstructure:"content_types"`
	Output       OutputDoc `mapstructure:"output"`
	StatusAddr   string    `mapstructure:"status_addr"`
}

// ScopeDoc selects the crawl boundary.
type ScopeDoc struct {
	Mode  string `mapstructure:"mode"`
	Value string `mapstructure:"value"`
}

// LimitsDoc bounds the crawl.
type LimitsDoc struct {
	MaxDepth         int           `mapstructure:"max_depth"`
	MaxResources     int           `mapstructure:"max_resources"`
	MaxDuration      time.Duration `mapstructure:"max_duration"`
	Concurrency      int           `mapstructure:"concurrency"`
	RateLimitPerHost float64       `mapstructure:"rate_limit_per_host"`
	RetryLimit       int           `mapstructure:"retry_limit"`
}

// FetchDoc tunes the HTTP client and per-request policy.
type FetchDoc struct {
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	SitemapSeeding bool          `mapstructure:"sitemap_seeding"`
	SortQuery      bool          `mapstructure:"sort_query"`
	MaxRedirects   int           `mapstructure:"max_redirects"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// RenderDoc configures the headless browser subsystem.
type RenderDoc struct {
	Mode        string    `mapstructure:"mode"`
	Concurrency int       `mapstructure:"concurrency"`
	Settle      SettleDoc `mapstructure:"settle"`
}

// SettleDoc picks how a rendered fetch decides the page finished loading.
type SettleDoc struct {
	Mode  string        `mapstructure:"mode"`
	Delay time.Duration `mapstructure:"delay"`
}

// TypesDoc filters persisted media types.
type TypesDoc struct {
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

// OutputDoc locates the mirror tree.
type OutputDoc struct {
	Root          string `mapstructure:"root"`
	StrictOffline bool   `mapstructure:"strict_offline"`
}

// Load builds crawl rules from the job document at path, or from pure
// defaults when path is empty. Mutators run after decoding and before
// validation, which lets the CLI fold flag overrides into the document.
// Environment variables prefixed STILLWEB_ override file values.
func Load(path string, mutators ...func(*Document)) (mirror.JobRules, error) {
	v := viper.New()
	v.SetEnvPrefix("STILLWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return mirror.JobRules{}, fmt.Errorf("read job file: %w", err)
		}
	}

	var doc Document
	if err := v.UnmarshalExact(&doc); err != nil {
		return mirror.JobRules{}, fmt.Errorf("%w: %v", mirror.ErrInvalidJobConfiguration, err)
	}
	for _, mutate := range mutators {
		mutate(&doc)
	}

	rules := doc.Rules()
	if err := rules.Validate(); err != nil {
		return mirror.JobRules{}, err
	}
	return rules, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scope.mode", string(mirror.ScopeSameHost))
	v.SetDefault("scope.value", "")
	v.SetDefault("limits.max_depth", 3)
	v.SetDefault("limits.max_resources", 0)
	v.SetDefault("limits.max_duration", time.Duration(0))
	v.SetDefault("limits.concurrency", 8)
	v.SetDefault("limits.rate_limit_per_host", 2.0)
	v.SetDefault("limits.retry_limit", 3)
	v.SetDefault("fetch.user_agent", "stillweb/0.1 (+https://github.com/stillweb/stillweb)")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.sitemap_seeding", false)
	v.SetDefault("fetch.sort_query", true)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.request_timeout", 30*time.Second)
	v.SetDefault("fetch.max_body_bytes", int64(32<<20))
	v.SetDefault("render.mode", string(mirror.RenderOff))
	v.SetDefault("render.concurrency", 2)
	v.SetDefault("render.settle.mode", string(mirror.SettleDelay))
	v.SetDefault("render.settle.delay", 1500*time.Millisecond)
	v.SetDefault("output.root", "./mirror")
	v.SetDefault("output.strict_offline", false)
	v.SetDefault("status_addr", "")
}

// Rules converts the document into the engine's rule set. Enum strings pass
// through untyped; JobRules.Validate rejects unknown values.
func (d Document) Rules() mirror.JobRules {
	return mirror.JobRules{
		Seeds:             d.Seeds,
		ScopeMode:         mirror.ScopeMode(d.Scope.Mode),
		ScopeValue:        d.Scope.Value,
		MaxDepth:          d.Limits.MaxDepth,
		MaxResources:      d.Limits.MaxResources,
		MaxDuration:       d.Limits.MaxDuration,
		Concurrency:       d.Limits.Concurrency,
		RenderConcurrency: d.Render.Concurrency,
		RateLimitPerHost:  d.Limits.RateLimitPerHost,
		RetryLimit:        d.Limits.RetryLimit,
		ContentTypes: mirror.ContentTypeFilter{
			Allow: d.ContentTypes.Allow,
			Deny:  d.ContentTypes.Deny,
		},
		OutputRoot:        d.Output.Root,
		StrictOfflineMode: d.Output.StrictOffline,
		UserAgent:         d.Fetch.UserAgent,
		RespectRobots:     d.Fetch.RespectRobots,
		SitemapSeeding:    d.Fetch.SitemapSeeding,
		RenderMode:        mirror.RenderMode(d.Render.Mode),
		RenderSettle: mirror.RenderSettle{
			Mode:  mirror.SettleMode(d.Render.Settle.Mode),
			Delay: d.Render.Settle.Delay,
		},
		MaxRedirects:   d.Fetch.MaxRedirects,
		RequestTimeout: d.Fetch.RequestTimeout,
		MaxBodyBytes:   d.Fetch.MaxBodyBytes,
		SortQuery:      d.Fetch.SortQuery,
		StatusAddr:     d.StatusAddr,
	}
}
