package debrid

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// TorBox binds the torbox.app API. Unlike the pure torrent services it also
// runs usenet jobs, which is what makes usenet streams resolvable at all.
type TorBox struct {
	rest   *restClient
	logger *zap.Logger
}

var DefaultTorBoxOpts = ClientOptions{
	BaseURL: "https://api.torbox.app/v1/api",
}

func NewTorBox(opts ClientOptions, logger *zap.Logger) *TorBox {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTorBoxOpts.BaseURL
	}
	return &TorBox{rest: newRESTClient("torbox", opts, logger), logger: logger}
}

func (c *TorBox) ID() string { return "torbox" }

func (c *TorBox) apiError(parsed gjson.Result) error {
	if parsed.Get("success").Bool() {
		return nil
	}
	detail := parsed.Get("detail").String()
	code := CodeInternal
	switch errName := parsed.Get("error").String(); errName {
	case "AUTH_ERROR", "BAD_TOKEN":
		code = CodeUnauthorized
	case "PLAN_RESTRICTED_FEATURE":
		code = CodePaymentRequired
	case "ACTIVE_LIMIT", "MONTHLY_LIMIT":
		code = CodeStoreLimitExceeded
	case "INVALID_MAGNET", "INVALID_TORRENT":
		code = CodeStoreMagnetInvalid
	}
	return &Error{Code: code, Service: c.ID(), Err: fmt.Errorf("API error: %s", detail)}
}

func (c *TorBox) CheckInstant(ctx context.Context, apiToken string, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	resBytes, err := c.rest.get(ctx, apiToken, "/torrents/checkcached?format=object&hash="+strings.Join(hashes, ","))
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(hashes))
	parsed.Get("data").ForEach(func(key, value gjson.Result) bool {
		if value.Exists() && value.Type != gjson.Null {
			available[strings.ToLower(key.String())] = true
		}
		return true
	})
	return available, nil
}

func (c *TorBox) AddTorrent(ctx context.Context, apiToken, infoHash string, sources []string) (string, error) {
	data := url.Values{}
	data.Set("magnet", magnetURL(infoHash, sources))
	resBytes, err := c.rest.postForm(ctx, apiToken, "/torrents/createtorrent", data)
	if err != nil {
		return "", err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return "", err
	}
	torrentID := parsed.Get("data.torrent_id").Int()
	if torrentID == 0 {
		return "", &Error{Code: CodeStoreMagnetInvalid, Service: c.ID(), Err: fmt.Errorf("createtorrent response has no torrent ID")}
	}
	return "torrent:" + strconv.FormatInt(torrentID, 10), nil
}

func (c *TorBox) AddNZB(ctx context.Context, apiToken, nzbURL, name string) (string, error) {
	data := url.Values{}
	data.Set("link", nzbURL)
	if name != "" {
		data.Set("name", name)
	}
	resBytes, err := c.rest.postForm(ctx, apiToken, "/usenet/createusenetdownload", data)
	if err != nil {
		return "", err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return "", err
	}
	downloadID := parsed.Get("data.usenetdownload_id").Int()
	if downloadID == 0 {
		return "", &Error{Code: CodeUnprocessableEntity, Service: c.ID(), Err: fmt.Errorf("createusenetdownload response has no download ID")}
	}
	return "usenet:" + strconv.FormatInt(downloadID, 10), nil
}

func (c *TorBox) GetJob(ctx context.Context, apiToken, jobID string) (*Job, error) {
	kind, id, found := strings.Cut(jobID, ":")
	if !found {
		return nil, &Error{Code: CodeInternal, Service: c.ID(), Err: fmt.Errorf("malformed job ID %q", jobID)}
	}
	path := "/torrents/mylist?id=" + url.QueryEscape(id)
	if kind == "usenet" {
		path = "/usenet/mylist?id=" + url.QueryEscape(id)
	}
	resBytes, err := c.rest.get(ctx, apiToken, path)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return nil, err
	}
	item := parsed.Get("data")

	job := &Job{ID: jobID}
	switch {
	case item.Get("download_finished").Bool() && item.Get("download_present").Bool():
		job.Status = StatusReady
	case item.Get("active").Bool():
		job.Status = StatusDownloading
	default:
		job.Status = StatusQueued
	}

	index := 0
	item.Get("files").ForEach(func(_, file gjson.Result) bool {
		job.Files = append(job.Files, File{
			ID:    jobID + ":" + file.Get("id").String(),
			Index: index,
			Name:  file.Get("short_name").String(),
			Size:  file.Get("size").Int(),
			Link:  jobID + ":" + file.Get("id").String(),
		})
		index++
		return true
	})
	return job, nil
}

// Unrestrict requests a presigned download link for a "kind:jobID:fileID"
// link token.
func (c *TorBox) Unrestrict(ctx context.Context, apiToken, link string) (string, error) {
	parts := strings.Split(link, ":")
	if len(parts) != 3 {
		return "", &Error{Code: CodeInternal, Service: c.ID(), Err: fmt.Errorf("malformed link token %q", link)}
	}
	kind, jobID, fileID := parts[0], parts[1], parts[2]
	path := "/torrents/requestdl?torrent_id=" + url.QueryEscape(jobID) + "&file_id=" + url.QueryEscape(fileID) + "&token=" + url.QueryEscape(apiToken)
	if kind == "usenet" {
		path = "/usenet/requestdl?usenet_id=" + url.QueryEscape(jobID) + "&file_id=" + url.QueryEscape(fileID) + "&token=" + url.QueryEscape(apiToken)
	}
	resBytes, err := c.rest.get(ctx, apiToken, path)
	if err != nil {
		return "", err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return "", err
	}
	download := parsed.Get("data").String()
	if download == "" {
		return "", &Error{Code: CodeInternal, Service: c.ID(), Err: fmt.Errorf("requestdl response has no \"data\" key")}
	}
	return download, nil
}

var _ Store = (*TorBox)(nil)
