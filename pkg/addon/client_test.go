package addon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/fetch"
	"github.com/tomfle18/aiostreams/pkg/lock"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	fetcher, err := fetch.NewClient(fetch.Options{RecursionLimit: 10000}, zap.NewNop())
	require.NoError(t, err)
	return NewClient(DefaultClientOpts, fetcher, lock.NewMemoryLocker(zap.NewNop()), zap.NewNop())
}

func testDescriptor(manifestURL string) *Descriptor {
	return &Descriptor{
		InstanceID:  "upstream1",
		ManifestURL: manifestURL,
		DisplayName: "Upstream One",
		Identifier:  "generic",
		Timeout:     2 * time.Second,
	}
}

func TestFetchStreams(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream/movie/tt0012345.json", r.URL.Path)
		_, _ = w.Write([]byte(`{"streams":[
			{"url":"https://cdn.example.org/a.mkv","name":"One"},
			{"infoHash":"abc","fileIdx":2,"name":"Two"},
			{"name":"no playable field"},
			{"url":123}
		]}`))
	}))
	defer upstream.Close()

	client := testClient(t)
	items, err := client.FetchStreams(context.Background(), testDescriptor(upstream.URL+"/manifest.json"), "movie", "tt0012345", nil)
	require.NoError(t, err)
	require.Len(t, items, 2, "malformed elements are skipped, not fatal")
	assert.Equal(t, "One", items[0].Name)
	require.NotNil(t, items[1].FileIndex)
	assert.Equal(t, 2, *items[1].FileIndex)
}

func TestFetchStreamsWithExtras(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"streams":[]}`))
	}))
	defer upstream.Close()

	client := testClient(t)
	_, err := client.FetchStreams(context.Background(), testDescriptor(upstream.URL), "series", "tt1:1:2",
		map[string]string{"videoSize": "123", "filename": "x.mkv"})
	require.NoError(t, err)
	// Extras sorted by key for stable memoization
	assert.Equal(t, "/stream/series/tt1:1:2/filename=x.mkv&videoSize=123.json", gotPath)
}

func TestFetchStreamsHTMLError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>502 Bad Gateway</title></head><body>nope</body></html>`))
	}))
	defer upstream.Close()

	client := testClient(t)
	_, err := client.FetchStreams(context.Background(), testDescriptor(upstream.URL), "movie", "tt1", nil)
	require.Error(t, err)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrBadResponse, perr.Kind)
	assert.Contains(t, perr.Err.Error(), "502 Bad Gateway")
}

func TestFetchStreamsHTTPError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	client := testClient(t)
	_, err := client.FetchStreams(context.Background(), testDescriptor(upstream.URL), "movie", "tt1", nil)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrHTTP, perr.Kind)
}

func TestFetchStreamsSkipsUnsupportedResource(t *testing.T) {
	client := testClient(t)
	desc := testDescriptor("http://never-called.example.org")
	desc.Resources = []string{ResourceSubtitles}

	items, err := client.FetchStreams(context.Background(), desc, "movie", "tt1", nil)
	require.NoError(t, err)
	assert.Nil(t, items)
}

func TestConcurrentIdenticalFetchesCollapse(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		time.Sleep(30 * time.Millisecond)
		_, _ = w.Write([]byte(`{"streams":[{"url":"https://cdn.example.org/a.mkv"}]}`))
	}))
	defer upstream.Close()

	client := testClient(t)
	desc := testDescriptor(upstream.URL)

	const callers = 25
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			items, err := client.FetchStreams(context.Background(), desc, "movie", "tt42", nil)
			assert.NoError(t, err)
			assert.Len(t, items, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&upstreamCalls), "identical upstream fetches must collapse")
}

func TestFetchManifestNormalizesResources(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// "resources" mixes plain strings and objects
		_, _ = w.Write([]byte(`{
			"id":"org.example.addon","name":"Example","version":"1.0.0",
			"types":["movie","series"],
			"resources":["catalog",{"name":"stream","types":["movie"],"idPrefixes":["tt"]}]
		}`))
	}))
	defer upstream.Close()

	client := testClient(t)
	manifest, err := client.FetchManifest(context.Background(), testDescriptor(upstream.URL+"/manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, "org.example.addon", manifest.ID)
	require.Len(t, manifest.ResourceItems, 2)
	assert.Equal(t, "catalog", manifest.ResourceItems[0].Name)
	assert.Equal(t, "stream", manifest.ResourceItems[1].Name)
	assert.Equal(t, []string{"movie"}, manifest.ResourceItems[1].Types)
}

func TestBuildDescriptorsRemovesInvalidReferences(t *testing.T) {
	RegisterPreset("test-preset", func(options map[string]interface{}) ([]Descriptor, error) {
		return []Descriptor{{
			InstanceID:  "inst1",
			ManifestURL: "https://example.org/manifest.json",
			Identifier:  "test-preset",
			Timeout:     time.Second,
		}}, nil
	})

	descriptors, removed, err := BuildDescriptors([]PresetRef{
		{PresetID: "test-preset"},
		{PresetID: "does-not-exist"},
	})
	require.NoError(t, err)
	assert.Len(t, descriptors, 1)
	assert.Equal(t, []string{"does-not-exist"}, removed)
}

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{InstanceID: "a", ManifestURL: "https://x", Timeout: time.Second}
	assert.NoError(t, valid.Validate())

	dotted := valid
	dotted.InstanceID = "a.b"
	assert.Error(t, dotted.Validate())

	noURL := valid
	noURL.ManifestURL = ""
	assert.Error(t, noURL.Validate())
}
