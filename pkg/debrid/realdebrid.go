package debrid

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// RealDebrid binds the real-debrid.com REST API.
type RealDebrid struct {
	rest   *restClient
	logger *zap.Logger
}

var DefaultRealDebridOpts = ClientOptions{
	BaseURL: "https://api.real-debrid.com/rest/1.0",
}

func NewRealDebrid(opts ClientOptions, logger *zap.Logger) *RealDebrid {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultRealDebridOpts.BaseURL
	}
	return &RealDebrid{rest: newRESTClient("realdebrid", opts, logger), logger: logger}
}

func (c *RealDebrid) ID() string { return "realdebrid" }

func (c *RealDebrid) CheckInstant(ctx context.Context, apiToken string, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	resBytes, err := c.rest.get(ctx, apiToken, "/torrents/instantAvailability/"+strings.Join(hashes, "/"))
	if err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(hashes))
	gjson.ParseBytes(resBytes).ForEach(func(key, value gjson.Result) bool {
		if len(value.Get("rd").Array()) > 0 {
			available[strings.ToLower(key.String())] = true
		}
		return true
	})
	return available, nil
}

func (c *RealDebrid) AddTorrent(ctx context.Context, apiToken, infoHash string, sources []string) (string, error) {
	data := url.Values{}
	data.Set("magnet", magnetURL(infoHash, sources))
	resBytes, err := c.rest.postForm(ctx, apiToken, "/torrents/addMagnet", data)
	if err != nil {
		return "", err
	}
	torrentID := gjson.GetBytes(resBytes, "id").String()
	if torrentID == "" {
		return "", &Error{Code: CodeStoreMagnetInvalid, Service: c.ID(), Err: fmt.Errorf("addMagnet response has no \"id\" key")}
	}

	// RealDebrid needs an explicit file selection before it starts; select
	// everything and pick the right file later from the job.
	data = url.Values{}
	data.Set("files", "all")
	if _, err = c.rest.postForm(ctx, apiToken, "/torrents/selectFiles/"+torrentID, data); err != nil {
		// A 202 on an already-selected torrent is fine; real errors surface
		// on the next GetJob call.
		c.logger.Debug("selectFiles returned an error", zap.Error(err), zap.String("torrentID", torrentID))
	}
	return torrentID, nil
}

func (c *RealDebrid) AddNZB(ctx context.Context, apiToken, nzbURL, name string) (string, error) {
	return "", &Error{Code: CodeUnsupportedService, Service: c.ID(), Err: fmt.Errorf("realdebrid has no usenet support")}
}

func (c *RealDebrid) GetJob(ctx context.Context, apiToken, jobID string) (*Job, error) {
	resBytes, err := c.rest.get(ctx, apiToken, "/torrents/info/"+jobID)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(resBytes)

	job := &Job{ID: jobID}
	switch status := parsed.Get("status").String(); status {
	case "downloaded":
		job.Status = StatusReady
	case "downloading", "compressing", "uploading":
		job.Status = StatusDownloading
	case "magnet_conversion", "waiting_files_selection", "queued":
		job.Status = StatusQueued
	case "magnet_error":
		return nil, &Error{Code: CodeStoreMagnetInvalid, Service: c.ID(), Err: fmt.Errorf("bad torrent status: %v", status)}
	case "error", "virus", "dead":
		return nil, &Error{Code: CodeUnprocessableEntity, Service: c.ID(), Err: fmt.Errorf("bad torrent status: %v", status)}
	default:
		job.Status = StatusQueued
	}

	// links[] runs parallel to the selected files
	links := parsed.Get("links").Array()
	selectedIndex := 0
	parsed.Get("files").ForEach(func(_, file gjson.Result) bool {
		if file.Get("selected").Int() != 1 {
			return true
		}
		f := File{
			ID:    file.Get("id").String(),
			Index: int(file.Get("id").Int()) - 1, // RD file IDs start at 1
			Name:  strings.TrimPrefix(file.Get("path").String(), "/"),
			Size:  file.Get("bytes").Int(),
		}
		if selectedIndex < len(links) {
			f.Link = links[selectedIndex].String()
		}
		selectedIndex++
		job.Files = append(job.Files, f)
		return true
	})
	return job, nil
}

func (c *RealDebrid) Unrestrict(ctx context.Context, apiToken, link string) (string, error) {
	data := url.Values{}
	data.Set("link", link)
	resBytes, err := c.rest.postForm(ctx, apiToken, "/unrestrict/link", data)
	if err != nil {
		return "", err
	}
	download := gjson.GetBytes(resBytes, "download").String()
	if download == "" {
		return "", &Error{Code: CodeInternal, Service: c.ID(), Err: fmt.Errorf("unrestrict response has no \"download\" key")}
	}
	return download, nil
}

var _ Store = (*RealDebrid)(nil)
