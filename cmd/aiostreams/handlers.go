package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/crypto"
	"github.com/tomfle18/aiostreams/pkg/debrid"
	"github.com/tomfle18/aiostreams/pkg/metadata"
	"github.com/tomfle18/aiostreams/pkg/orchestrator"
	"github.com/tomfle18/aiostreams/pkg/stremio"
)

const version = "1.0.0"

var manifest = stremio.Manifest{
	ID:          "com.aiostreams",
	Name:        "AIOStreams",
	Description: "Aggregates your configured stream addons into one deduplicated, filtered and sorted list, with debrid playback built in.",
	Version:     version,
	ResourceItems: []stremio.ResourceItem{
		{
			Name:       "stream",
			Types:      []string{"movie", "series", "anime"},
			IDprefixes: []string{"tt", "kitsu"},
		},
	},
	Types:      []string{"movie", "series", "anime"},
	Catalogs:   []stremio.CatalogItem{},
	IDprefixes: []string{"tt", "kitsu"},
	BehaviorHints: stremio.BehaviorHints{
		Configurable:          true,
		ConfigurationRequired: true,
	},
}

func createManifestHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(manifest)
	}
}

func createStreamHandler(opCfg config, o *orchestrator.Orchestrator, codec *crypto.Codec, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ud, err := decodeUserData(c.Params("userData"))
		if err != nil {
			logger.Info("Rejecting request with invalid user data", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid configuration data."})
		}
		userCfg, err := ud.toUserConfig(c.Context(), opCfg, codec, logger)
		if err != nil {
			logger.Info("Rejecting request with unusable configuration", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		id := strings.TrimSuffix(c.Params("id"), ".json")
		id, err = url.PathUnescape(id)
		if err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		req := orchestrator.Request{
			Resource: "stream",
			Type:     c.Params("type"),
			ID:       id,
			ClientIP: clientIP(c),
		}
		res, err := o.Handle(c.Context(), req, userCfg)
		if err != nil {
			logger.Error("Request handling failed", zap.Error(err), zap.String("id", id))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}

		c.Response().Header.Add("Cache-Control", "max-age=60, public")
		return c.JSON(res)
	}
}

func createSubtitlesHandler(opCfg config, o *orchestrator.Orchestrator, codec *crypto.Codec, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ud, err := decodeUserData(c.Params("userData"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid configuration data."})
		}
		userCfg, err := ud.toUserConfig(c.Context(), opCfg, codec, logger)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		id := strings.TrimSuffix(c.Params("id"), ".json")
		id, err = url.PathUnescape(id)
		if err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		req := orchestrator.Request{
			Resource: "subtitles",
			Type:     c.Params("type"),
			ID:       id,
			ClientIP: clientIP(c),
		}
		res, err := o.HandleSubtitles(c.Context(), req, userCfg)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(res)
	}
}

// createPlaybackHandler resolves opaque playback URLs at click time: 307 to
// the final stream, or 302 to a placeholder video keyed by the error code.
func createPlaybackHandler(resolver *debrid.Resolver, metaStore *metadata.Store, codec *crypto.Codec, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth, err := codec.OpenStoreAuth(c.Params("auth"))
		if err != nil {
			logger.Info("Rejecting playback with undecryptable store auth", zap.Error(err))
			return c.SendStatus(fiber.StatusForbidden)
		}
		fi, err := crypto.DecodeFileInfo(c.Params("fileInfo"))
		if err != nil {
			logger.Info("Rejecting playback with malformed file info", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		record, err := metaStore.Get(c.Params("metadataID"))
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				logger.Info("Rejecting playback with unknown metadata ID", zap.String("metadataID", c.Params("metadataID")))
				return c.SendStatus(fiber.StatusNotFound)
			}
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		filename, err := url.PathUnescape(c.Params("filename"))
		if err != nil {
			filename = c.Params("filename")
		}

		ctx := debrid.WithOriginIP(c.Context(), clientIP(c))
		streamURL, err := resolver.Resolve(ctx, auth, fi, record, filename)
		if err != nil {
			return redirectToPlaceholder(c, err, logger)
		}

		logger.Debug("Responding with redirect to stream", zap.String("service", auth.ID))
		c.Set("Location", streamURL)
		return c.SendStatus(fiber.StatusTemporaryRedirect)
	}
}

// redirectToPlaceholder maps debrid failures onto the static placeholder
// videos. The downloading outcome is a success-with-wait: the client retries.
func redirectToPlaceholder(c *fiber.Ctx, err error, logger *zap.Logger) error {
	var dlErr *debrid.DownloadingError
	if errors.As(err, &dlErr) {
		logger.Info("Job still downloading, redirecting to placeholder",
			zap.String("service", dlErr.Service), zap.String("jobID", dlErr.JobID))
		c.Set("Location", "/static/downloading.mp4")
		return c.SendStatus(fiber.StatusFound)
	}

	var derr *debrid.Error
	if errors.As(err, &derr) {
		logger.Warn("Playback resolution failed",
			zap.String("service", derr.Service), zap.String("code", string(derr.Code)), zap.Error(derr.Err))
		c.Set("Location", "/static/"+placeholderFor(derr.Code))
		return c.SendStatus(fiber.StatusFound)
	}

	logger.Error("Playback resolution failed without a debrid code", zap.Error(err))
	c.Set("Location", "/static/error.mp4")
	return c.SendStatus(fiber.StatusFound)
}

func placeholderFor(code debrid.Code) string {
	name := strings.ToLower(string(code)) + ".mp4"
	if !staticFileExists(name) {
		return "error.mp4"
	}
	return name
}

func clientIP(c *fiber.Ctx) string {
	if ips := c.IPs(); len(ips) > 0 {
		return ips[0]
	}
	return c.IP()
}

func createRootHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendString(fmt.Sprintf("AIOStreams %s", version))
	}
}
