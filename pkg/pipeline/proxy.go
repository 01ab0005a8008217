package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/tomfle18/aiostreams/pkg/stream"
)

// Proxifier rewrites playback URLs through the user's media proxy (C10).
type Proxifier struct {
	cfg ProxyConfig
}

func NewProxifier(cfg ProxyConfig) *Proxifier {
	return &Proxifier{cfg: cfg}
}

// Apply rewrites eligible streams in place and returns the same slice.
// Stream types external, youtube and error are never proxified.
func (p *Proxifier) Apply(streams []*stream.ParsedStream) []*stream.ParsedStream {
	if !p.cfg.Enabled || p.cfg.PublicURL == "" {
		return streams
	}
	for _, s := range streams {
		if !p.eligible(s) {
			continue
		}
		s.URL = p.rewrite(s.URL)
		s.Proxied = true
	}
	return streams
}

func (p *Proxifier) eligible(s *stream.ParsedStream) bool {
	switch s.Type {
	case stream.TypeExternal, stream.TypeYoutube, stream.TypeError, stream.TypeStatistic:
		return false
	}
	if s.URL == "" || s.Proxied {
		return false
	}
	if s.Addon != nil && containsExact(p.cfg.ProxiedAddons, s.Addon.InstanceID) {
		return true
	}
	if s.Service != nil && containsExact(p.cfg.ProxiedServices, s.Service.ID) {
		return true
	}
	return false
}

// rewrite points the URL at the proxy, carrying the original URL as a signed
// parameter so the proxy can reject tampered requests.
func (p *Proxifier) rewrite(originalURL string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(originalURL))
	values := url.Values{}
	values.Set("url", encoded)
	values.Set("sig", p.sign(encoded))
	return strings.TrimSuffix(p.cfg.PublicURL, "/") + "/proxy?" + values.Encode()
}

func (p *Proxifier) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(p.cfg.Credentials))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
