package pipeline

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/stream"
)

func proxyConfig() ProxyConfig {
	return ProxyConfig{
		Enabled:         true,
		PublicURL:       "https://proxy.example.org",
		Credentials:     "proxy-secret",
		ProxiedAddons:   []string{"torrentio"},
		ProxiedServices: []string{"alldebrid"},
	}
}

func TestProxifyByAddon(t *testing.T) {
	p := NewProxifier(proxyConfig())
	s := &stream.ParsedStream{
		ID:    "torrentio.0",
		Addon: &addon.Descriptor{InstanceID: "torrentio"},
		Type:  stream.TypeHTTP,
		URL:   "https://cdn.example.org/file.mkv",
	}
	out := p.Apply([]*stream.ParsedStream{s})
	require.True(t, out[0].Proxied)
	assert.True(t, strings.HasPrefix(out[0].URL, "https://proxy.example.org/proxy?"))

	parsed, err := url.Parse(out[0].URL)
	require.NoError(t, err)
	encoded := parsed.Query().Get("url")
	original, err := base64.RawURLEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.org/file.mkv", string(original))
	assert.NotEmpty(t, parsed.Query().Get("sig"))
}

func TestProxifyByService(t *testing.T) {
	p := NewProxifier(proxyConfig())
	s := &stream.ParsedStream{
		ID:      "other.0",
		Addon:   &addon.Descriptor{InstanceID: "other"},
		Type:    stream.TypeDebrid,
		URL:     "https://alldebrid.example.org/dl/x",
		Service: &stream.ServiceInfo{ID: "alldebrid", Cached: true},
	}
	out := p.Apply([]*stream.ParsedStream{s})
	assert.True(t, out[0].Proxied)
}

func TestNeverProxifyExemptTypes(t *testing.T) {
	p := NewProxifier(proxyConfig())
	streams := []*stream.ParsedStream{
		{ID: "yt", Type: stream.TypeYoutube, YoutubeID: "abc", Addon: &addon.Descriptor{InstanceID: "torrentio"}},
		{ID: "ext", Type: stream.TypeExternal, ExternalURL: "https://x", Addon: &addon.Descriptor{InstanceID: "torrentio"}},
		{ID: "err", Type: stream.TypeError, Error: &stream.ErrorInfo{Title: "x"}, Addon: &addon.Descriptor{InstanceID: "torrentio"}},
	}
	out := p.Apply(streams)
	for _, s := range out {
		assert.False(t, s.Proxied, "type %s must never be proxified", s.Type)
	}
}

func TestUnmatchedStreamsUntouched(t *testing.T) {
	p := NewProxifier(proxyConfig())
	s := &stream.ParsedStream{
		ID:    "other.0",
		Addon: &addon.Descriptor{InstanceID: "other"},
		Type:  stream.TypeHTTP,
		URL:   "https://cdn.example.org/file.mkv",
	}
	out := p.Apply([]*stream.ParsedStream{s})
	assert.False(t, out[0].Proxied)
	assert.Equal(t, "https://cdn.example.org/file.mkv", out[0].URL)
}

func TestProxifyDisabled(t *testing.T) {
	cfg := proxyConfig()
	cfg.Enabled = false
	p := NewProxifier(cfg)
	s := &stream.ParsedStream{
		ID:    "torrentio.0",
		Addon: &addon.Descriptor{InstanceID: "torrentio"},
		Type:  stream.TypeHTTP,
		URL:   "https://cdn.example.org/file.mkv",
	}
	out := p.Apply([]*stream.ParsedStream{s})
	assert.False(t, out[0].Proxied)
}
