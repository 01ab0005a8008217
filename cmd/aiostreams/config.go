package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tomfle18/aiostreams/pkg/fetch"
)

// config is the operator-level configuration, environment-first like the
// rest of this codebase's deployments.
type config struct {
	BindAddr string `env:"BIND_ADDR" envDefault:"0.0.0.0"`
	Port     int    `env:"PORT" envDefault:"8080"`

	BaseURL        string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	InternalURL    string `env:"INTERNAL_URL"`
	InternalSecret string `env:"INTERNAL_SECRET"`

	AddonProxies     []string `env:"ADDON_PROXY"`
	AddonProxyConfig string   `env:"ADDON_PROXY_CONFIG"`

	HostnameUserAgentOverrides string `env:"HOSTNAME_USER_AGENT_OVERRIDES"`
	RequestURLMappings         string `env:"REQUEST_URL_MAPPINGS"`

	RecursionThresholdLimit  int           `env:"RECURSION_THRESHOLD_LIMIT" envDefault:"5"`
	RecursionThresholdWindow time.Duration `env:"RECURSION_THRESHOLD_WINDOW" envDefault:"10s"`

	RedisURI    string `env:"REDIS_URI"`
	DatabaseURI string `env:"DATABASE_URI"`
	StoragePath string `env:"STORAGE_PATH" envDefault:"./data"`

	// AllowFreeRegex lets users run arbitrary regex filters; otherwise each
	// pattern must match the allow-list verbatim. Patterns are separated by
	// newline characters ("\n") because regexes routinely contain commas.
	AllowFreeRegex          bool   `env:"ALLOW_FREE_REGEX"`
	AllowedRegexPatternsRaw string `env:"ALLOWED_REGEX_PATTERNS"`

	MaxStreamExpressionFilters int `env:"MAX_STREAM_EXPRESSION_FILTERS" envDefault:"30"`
	MaxKeywordFilters          int `env:"MAX_KEYWORD_FILTERS" envDefault:"30"`
	MaxGroups                  int `env:"MAX_GROUPS" envDefault:"10"`

	PlaybackLinkValidity time.Duration `env:"BUILTIN_PLAYBACK_LINK_VALIDITY" envDefault:"24h"`
	PruneMaxDays         int           `env:"PRUNE_MAX_DAYS" envDefault:"30"`
	PruneInterval        time.Duration `env:"PRUNE_INTERVAL" envDefault:"1h"`

	// Operator-forced proxy settings override the user's proxy fields.
	ForceProxyEnabled     bool   `env:"FORCE_PROXY_ENABLED"`
	ForceProxyURL         string `env:"FORCE_PROXY_URL"`
	ForceProxyCredentials string `env:"FORCE_PROXY_CREDENTIALS"`

	IMDB2MetaAddress string `env:"IMDB2META_ADDRESS"`

	FanOutParallelism int `env:"FANOUT_PARALLELISM" envDefault:"8"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"LOG_ENCODING" envDefault:"console"`

	// DefaultAPIKeys/ForcedAPIKeys are collected from DEFAULT_*_API_KEY and
	// FORCED_*_API_KEY, keyed by lowercased service ID.
	DefaultAPIKeys map[string]string `env:"-"`
	ForcedAPIKeys  map[string]string `env:"-"`
}

func parseConfig() (config, error) {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("Couldn't parse environment: %v", err)
	}
	cfg.DefaultAPIKeys = collectServiceKeys("DEFAULT_", "_API_KEY")
	cfg.ForcedAPIKeys = collectServiceKeys("FORCED_", "_API_KEY")
	return cfg, nil
}

func (c config) validate() error {
	if c.InternalSecret == "" {
		return fmt.Errorf("INTERNAL_SECRET must be set; playback URLs can't be protected without it")
	}
	if c.RedisURI != "" && c.DatabaseURI != "" {
		return fmt.Errorf("REDIS_URI and DATABASE_URI are mutually exclusive lock backends")
	}
	if _, err := c.proxyRules(); err != nil {
		return err
	}
	return nil
}

// collectServiceKeys scans the environment for operator-provided service
// credentials, e.g. DEFAULT_REALDEBRID_API_KEY.
func collectServiceKeys(prefix, suffix string) map[string]string {
	keys := map[string]string{}
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		service := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		if service == "" {
			continue
		}
		keys[strings.ToLower(service)] = value
	}
	return keys
}

// proxyRules parses ADDON_PROXY_CONFIG: comma-separated
// "hostname-glob:proxyIndex|true|false" entries; the last matching rule wins.
func (c config) proxyRules() ([]fetch.ProxyRule, error) {
	if c.AddonProxyConfig == "" {
		return nil, nil
	}
	var rules []fetch.ProxyRule
	for _, entry := range strings.Split(c.AddonProxyConfig, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pattern, decision, found := cutLast(entry, ":")
		if !found {
			return nil, fmt.Errorf("malformed ADDON_PROXY_CONFIG entry %q", entry)
		}
		rule := fetch.ProxyRule{Pattern: pattern}
		switch decision {
		case "true":
			rule.UseProxy = true
			rule.ProxyIndex = 0
		case "false":
			rule.UseProxy = false
		default:
			index, err := strconv.Atoi(decision)
			if err != nil {
				return nil, fmt.Errorf("malformed ADDON_PROXY_CONFIG entry %q: %v", entry, err)
			}
			rule.UseProxy = true
			rule.ProxyIndex = index
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// allowedRegexPatterns splits ALLOWED_REGEX_PATTERNS on newlines, dropping
// blank lines.
func (c config) allowedRegexPatterns() []string {
	var patterns []string
	for _, line := range strings.Split(c.AllowedRegexPatternsRaw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			patterns = append(patterns, line)
		}
	}
	return patterns
}

// userAgentOverrides parses HOSTNAME_USER_AGENT_OVERRIDES:
// "hostname-glob:agent" comma-separated.
func (c config) userAgentOverrides() map[string]string {
	overrides := map[string]string{}
	for _, entry := range strings.Split(c.HostnameUserAgentOverrides, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if pattern, agent, found := strings.Cut(entry, ":"); found {
			overrides[pattern] = agent
		}
	}
	return overrides
}

// urlMappings parses REQUEST_URL_MAPPINGS: "fromOrigin=toOrigin" pairs.
func (c config) urlMappings() map[string]string {
	mappings := map[string]string{}
	for _, entry := range strings.Split(c.RequestURLMappings, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if from, to, found := strings.Cut(entry, "="); found {
			mappings[from] = to
		}
	}
	return mappings
}

// cutLast splits at the last occurrence of sep, so IPv6-ish patterns with
// colons keep working.
func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
