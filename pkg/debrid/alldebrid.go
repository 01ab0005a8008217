package debrid

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// AllDebrid binds the alldebrid.com v4 API.
type AllDebrid struct {
	rest   *restClient
	logger *zap.Logger
}

var DefaultAllDebridOpts = ClientOptions{
	BaseURL: "https://api.alldebrid.com/v4",
}

func NewAllDebrid(opts ClientOptions, logger *zap.Logger) *AllDebrid {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultAllDebridOpts.BaseURL
	}
	return &AllDebrid{rest: newRESTClient("alldebrid", opts, logger), logger: logger}
}

func (c *AllDebrid) ID() string { return "alldebrid" }

// apiError maps AllDebrid's in-body error envelope onto stable codes.
func (c *AllDebrid) apiError(parsed gjson.Result) error {
	if parsed.Get("status").String() != "error" {
		return nil
	}
	errCode := parsed.Get("error.code").String()
	var code Code
	switch {
	case strings.HasPrefix(errCode, "AUTH_"):
		code = CodeUnauthorized
	case errCode == "MAGNET_MUST_BE_PREMIUM", errCode == "FREE_TRIAL_LIMIT_REACHED":
		code = CodePaymentRequired
	case errCode == "MAGNET_INVALID_URI", errCode == "MAGNET_INVALID_ID":
		code = CodeStoreMagnetInvalid
	case errCode == "MAGNET_TOO_MANY_ACTIVE":
		code = CodeStoreLimitExceeded
	default:
		code = CodeInternal
	}
	return &Error{Code: code, Service: c.ID(), Err: fmt.Errorf("API error %s: %s", errCode, parsed.Get("error.message").String())}
}

func (c *AllDebrid) CheckInstant(ctx context.Context, apiToken string, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	data := url.Values{}
	for _, hash := range hashes {
		data.Add("magnets[]", hash)
	}
	resBytes, err := c.rest.postForm(ctx, apiToken, "/magnet/instant", data)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(hashes))
	parsed.Get("data.magnets").ForEach(func(_, magnet gjson.Result) bool {
		if magnet.Get("instant").Bool() {
			available[strings.ToLower(magnet.Get("hash").String())] = true
		}
		return true
	})
	return available, nil
}

func (c *AllDebrid) AddTorrent(ctx context.Context, apiToken, infoHash string, sources []string) (string, error) {
	data := url.Values{}
	data.Set("magnets[]", magnetURL(infoHash, sources))
	resBytes, err := c.rest.postForm(ctx, apiToken, "/magnet/upload", data)
	if err != nil {
		return "", err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return "", err
	}
	magnetID := parsed.Get("data.magnets.0.id").String()
	if magnetID == "" {
		return "", &Error{Code: CodeStoreMagnetInvalid, Service: c.ID(), Err: fmt.Errorf("upload response has no magnet ID")}
	}
	return magnetID, nil
}

func (c *AllDebrid) AddNZB(ctx context.Context, apiToken, nzbURL, name string) (string, error) {
	return "", &Error{Code: CodeUnsupportedService, Service: c.ID(), Err: fmt.Errorf("alldebrid has no usenet support")}
}

func (c *AllDebrid) GetJob(ctx context.Context, apiToken, jobID string) (*Job, error) {
	data := url.Values{}
	data.Set("id", jobID)
	resBytes, err := c.rest.postForm(ctx, apiToken, "/magnet/status", data)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return nil, err
	}
	magnet := parsed.Get("data.magnets")

	job := &Job{ID: jobID}
	switch statusCode := magnet.Get("statusCode").Int(); {
	case statusCode == 4:
		job.Status = StatusReady
	case statusCode >= 5:
		return nil, &Error{Code: CodeUnprocessableEntity, Service: c.ID(), Err: fmt.Errorf("bad magnet status: %s", magnet.Get("status").String())}
	case statusCode >= 1:
		job.Status = StatusDownloading
	default:
		job.Status = StatusQueued
	}

	index := 0
	magnet.Get("links").ForEach(func(_, link gjson.Result) bool {
		job.Files = append(job.Files, File{
			ID:    link.Get("link").String(),
			Index: index,
			Name:  link.Get("filename").String(),
			Size:  link.Get("size").Int(),
			Link:  link.Get("link").String(),
		})
		index++
		return true
	})
	return job, nil
}

func (c *AllDebrid) Unrestrict(ctx context.Context, apiToken, link string) (string, error) {
	data := url.Values{}
	data.Set("link", link)
	resBytes, err := c.rest.postForm(ctx, apiToken, "/link/unlock", data)
	if err != nil {
		return "", err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return "", err
	}
	download := parsed.Get("data.link").String()
	if download == "" {
		return "", &Error{Code: CodeInternal, Service: c.ID(), Err: fmt.Errorf("unlock response has no \"data.link\" key")}
	}
	return download, nil
}

var _ Store = (*AllDebrid)(nil)
