package main

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/crypto"
	"github.com/tomfle18/aiostreams/pkg/debrid"
	"github.com/tomfle18/aiostreams/pkg/lock"
	"github.com/tomfle18/aiostreams/pkg/metadata"
)

func playbackApp(t *testing.T) (*fiber.App, *crypto.Codec, *metadata.Store) {
	t.Helper()
	logger := zap.NewNop()
	codec := testCodec(t)

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	metaStore := metadata.NewStore(db, time.Hour, logger)

	resolver := debrid.NewResolver(debrid.NewRegistry(), lock.NewMemoryLocker(logger), debrid.DefaultResolverOpts, logger)

	app := fiber.New()
	app.Get("/playback/:auth/:fileInfo/:metadataID/:filename", createPlaybackHandler(resolver, metaStore, codec, logger))
	return app, codec, metaStore
}

func validSegments(t *testing.T, codec *crypto.Codec, metaStore *metadata.Store) (auth, fileInfo, metaID string) {
	t.Helper()
	auth, err := codec.SealStoreAuth(crypto.StoreAuth{ID: "seedr", Credential: "key"})
	require.NoError(t, err)
	fileInfo, err = crypto.EncodeFileInfo(crypto.FileInfo{Type: "torrent", Hash: "abc123", Index: -1})
	require.NoError(t, err)
	metaID, err = metaStore.Put(metadata.Record{Titles: []string{"Movie"}, Year: 2020})
	require.NoError(t, err)
	return auth, fileInfo, metaID
}

// Playback URL integrity: undecryptable auth and unknown metadata IDs are
// rejected before any service is contacted.
func TestPlaybackRejectsBadAuth(t *testing.T) {
	app, codec, metaStore := playbackApp(t)
	_, fileInfo, metaID := validSegments(t, codec, metaStore)

	req := httptest.NewRequest("GET", "/playback/not-encrypted/"+fileInfo+"/"+metaID+"/file.mkv", nil)
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, res.StatusCode)
}

func TestPlaybackRejectsUnknownMetadataID(t *testing.T) {
	app, codec, metaStore := playbackApp(t)
	auth, fileInfo, _ := validSegments(t, codec, metaStore)

	req := httptest.NewRequest("GET", "/playback/"+auth+"/"+fileInfo+"/ffffffffffffffff/file.mkv", nil)
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, res.StatusCode)
}

func TestPlaybackRejectsMalformedFileInfo(t *testing.T) {
	app, codec, metaStore := playbackApp(t)
	auth, _, metaID := validSegments(t, codec, metaStore)

	req := httptest.NewRequest("GET", "/playback/"+auth+"/bm90LWpzb24/"+metaID+"/file.mkv", nil)
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, res.StatusCode)
}

func TestPlaybackUnsupportedServiceRedirectsToPlaceholder(t *testing.T) {
	app, codec, metaStore := playbackApp(t)
	auth, fileInfo, metaID := validSegments(t, codec, metaStore)

	req := httptest.NewRequest("GET", "/playback/"+auth+"/"+fileInfo+"/"+metaID+"/file.mkv", nil)
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusFound, res.StatusCode)
	assert.Equal(t, "/static/unsupported_service.mp4", res.Header.Get("Location"))
}

func TestPlaceholderMapping(t *testing.T) {
	assert.Equal(t, "downloading.mp4", placeholderFor(debrid.Code("DOWNLOADING")))
	assert.Equal(t, "no_matching_file.mp4", placeholderFor(debrid.CodeNoMatchingFile))
	assert.Equal(t, "error.mp4", placeholderFor(debrid.Code("SOMETHING_NEW")))
}
