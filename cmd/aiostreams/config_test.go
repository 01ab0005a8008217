package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyRulesParsing(t *testing.T) {
	cfg := config{AddonProxyConfig: "*:false, *.slow.example.org:1, api.example.org:true"}
	rules, err := cfg.proxyRules()
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, "*", rules[0].Pattern)
	assert.False(t, rules[0].UseProxy)

	assert.Equal(t, "*.slow.example.org", rules[1].Pattern)
	assert.True(t, rules[1].UseProxy)
	assert.Equal(t, 1, rules[1].ProxyIndex)

	assert.True(t, rules[2].UseProxy)
	assert.Equal(t, 0, rules[2].ProxyIndex)
}

func TestProxyRulesMalformed(t *testing.T) {
	cfg := config{AddonProxyConfig: "no-decision-here"}
	_, err := cfg.proxyRules()
	assert.Error(t, err)

	cfg = config{AddonProxyConfig: "host:notanumber"}
	_, err = cfg.proxyRules()
	assert.Error(t, err)
}

func TestUserAgentOverridesParsing(t *testing.T) {
	cfg := config{HostnameUserAgentOverrides: "*.picky.example.org:SpecialAgent/2.0, other.org:Plain"}
	overrides := cfg.userAgentOverrides()
	assert.Equal(t, "SpecialAgent/2.0", overrides["*.picky.example.org"])
	assert.Equal(t, "Plain", overrides["other.org"])
}

func TestURLMappingsParsing(t *testing.T) {
	cfg := config{RequestURLMappings: "https://public.example.org=http://internal:8080"}
	mappings := cfg.urlMappings()
	assert.Equal(t, "http://internal:8080", mappings["https://public.example.org"])
}

func TestCollectServiceKeys(t *testing.T) {
	t.Setenv("DEFAULT_REALDEBRID_API_KEY", "default-rd")
	t.Setenv("FORCED_TORBOX_API_KEY", "forced-tb")
	t.Setenv("UNRELATED_VAR", "x")

	defaults := collectServiceKeys("DEFAULT_", "_API_KEY")
	assert.Equal(t, "default-rd", defaults["realdebrid"])
	assert.NotContains(t, defaults, "torbox")

	forced := collectServiceKeys("FORCED_", "_API_KEY")
	assert.Equal(t, "forced-tb", forced["torbox"])
}

func TestValidateRequiresInternalSecret(t *testing.T) {
	cfg := config{}
	assert.Error(t, cfg.validate())

	cfg.InternalSecret = "s3cret"
	assert.NoError(t, cfg.validate())

	cfg.RedisURI = "redis://localhost:6379"
	cfg.DatabaseURI = "/data/locks"
	assert.Error(t, cfg.validate(), "lock backends are mutually exclusive")
}

func TestAllowedRegexPatterns(t *testing.T) {
	cfg := config{AllowedRegexPatternsRaw: "(?i)\\bCAM\\b\n\n  (?i)remux  \n"}
	patterns := cfg.allowedRegexPatterns()
	assert.Equal(t, []string{`(?i)\bCAM\b`, `(?i)remux`}, patterns)
}
