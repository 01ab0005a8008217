package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	client, err := NewClient(opts, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestFetchBasic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "value", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	client := newTestClient(t, Options{})
	res, err := client.Fetch(context.Background(), Request{
		URL:     upstream.URL,
		Headers: map[string]string{"X-Custom": "value"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(res.Body))
}

func TestFetchForwardsIP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "203.0.113.7", r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "203.0.113.7", r.Header.Get("X-Real-IP"))
	}))
	defer upstream.Close()

	client := newTestClient(t, Options{})
	_, err := client.Fetch(context.Background(), Request{URL: upstream.URL, ForwardIP: "203.0.113.7"})
	require.NoError(t, err)
}

func TestFetchRewritesBaseURL(t *testing.T) {
	var hitPath string
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPath = r.URL.Path
	}))
	defer internal.Close()

	client := newTestClient(t, Options{
		BaseURL:     "https://public.example.org",
		InternalURL: internal.URL,
	})
	_, err := client.Fetch(context.Background(), Request{URL: "https://public.example.org/stream/movie/tt1.json"})
	require.NoError(t, err)
	assert.Equal(t, "/stream/movie/tt1.json", hitPath)
}

func TestFetchTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer upstream.Close()

	client := newTestClient(t, Options{})
	start := time.Now()
	_, err := client.Fetch(context.Background(), Request{URL: upstream.URL, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestRecursionGuard(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	client := newTestClient(t, Options{RecursionLimit: 3, RecursionWindow: time.Minute})
	for i := 0; i < 3; i++ {
		_, err := client.Fetch(context.Background(), Request{URL: upstream.URL})
		require.NoError(t, err)
	}
	_, err := client.Fetch(context.Background(), Request{URL: upstream.URL})
	assert.ErrorIs(t, err, ErrPossibleRecursiveRequest)

	// A different forward IP is a different guard key
	_, err = client.Fetch(context.Background(), Request{URL: upstream.URL, ForwardIP: "198.51.100.1"})
	assert.NoError(t, err)

	// The bypass flag skips the guard entirely
	_, err = client.Fetch(context.Background(), Request{URL: upstream.URL, IgnoreRecursion: true})
	assert.NoError(t, err)
}

func TestUserAgentOverride(t *testing.T) {
	var gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer upstream.Close()

	client := newTestClient(t, Options{
		UserAgentOverrides: map[string]string{"*": "CustomAgent/1.0"},
	})
	_, err := client.Fetch(context.Background(), Request{URL: upstream.URL})
	require.NoError(t, err)
	assert.Equal(t, "CustomAgent/1.0", gotUA)
}

func TestProxyRuleMatching(t *testing.T) {
	cases := []struct {
		pattern  string
		hostname string
		want     bool
	}{
		{"*", "anything.example.org", true},
		{"*.example.org", "api.example.org", true},
		{"*.example.org", "example.org", true},
		{"*.example.org", "example.com", false},
		{"exact.example.org", "exact.example.org", true},
		{"exact.example.org", "other.example.org", false},
	}
	for _, tc := range cases {
		rule := ProxyRule{Pattern: tc.pattern}
		assert.Equal(t, tc.want, rule.Matches(tc.hostname), "%s vs %s", tc.pattern, tc.hostname)
	}
}

func TestLastMatchingProxyRuleWins(t *testing.T) {
	client := newTestClient(t, Options{
		Proxies: []string{"http://127.0.0.1:9"},
		ProxyRules: []ProxyRule{
			{Pattern: "*", UseProxy: true, ProxyIndex: 0},
			{Pattern: "*.direct.example.org", UseProxy: false},
		},
	})

	_, idx := client.selectClient("https://api.direct.example.org/x")
	assert.Equal(t, -1, idx, "later direct rule overrides the catch-all proxy rule")

	_, idx = client.selectClient("https://other.example.org/x")
	assert.Equal(t, 0, idx)
}

func TestInvalidProxyRuleRejected(t *testing.T) {
	_, err := NewClient(Options{
		ProxyRules: []ProxyRule{{Pattern: "*", UseProxy: true, ProxyIndex: 2}},
	}, zap.NewNop())
	assert.Error(t, err)
}
