package debrid

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Premiumize binds the premiumize.me API.
type Premiumize struct {
	rest   *restClient
	logger *zap.Logger
}

var DefaultPremiumizeOpts = ClientOptions{
	BaseURL: "https://www.premiumize.me/api",
}

func NewPremiumize(opts ClientOptions, logger *zap.Logger) *Premiumize {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultPremiumizeOpts.BaseURL
	}
	return &Premiumize{rest: newRESTClient("premiumize", opts, logger), logger: logger}
}

func (c *Premiumize) ID() string { return "premiumize" }

func (c *Premiumize) apiError(parsed gjson.Result) error {
	if parsed.Get("status").String() != "error" {
		return nil
	}
	message := parsed.Get("message").String()
	code := CodeInternal
	switch {
	case strings.Contains(strings.ToLower(message), "customer"):
		code = CodePaymentRequired
	case strings.Contains(strings.ToLower(message), "space"):
		code = CodeStoreLimitExceeded
	}
	return &Error{Code: code, Service: c.ID(), Err: fmt.Errorf("API error: %s", message)}
}

func (c *Premiumize) CheckInstant(ctx context.Context, apiToken string, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	data := url.Values{}
	for _, hash := range hashes {
		data.Add("items[]", hash)
	}
	resBytes, err := c.rest.postForm(ctx, apiToken, "/cache/check", data)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(hashes))
	responses := parsed.Get("response").Array()
	for i, response := range responses {
		if i < len(hashes) && response.Bool() {
			available[strings.ToLower(hashes[i])] = true
		}
	}
	return available, nil
}

func (c *Premiumize) AddTorrent(ctx context.Context, apiToken, infoHash string, sources []string) (string, error) {
	data := url.Values{}
	data.Set("src", magnetURL(infoHash, sources))
	resBytes, err := c.rest.postForm(ctx, apiToken, "/transfer/create", data)
	if err != nil {
		return "", err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return "", err
	}
	transferID := parsed.Get("id").String()
	if transferID == "" {
		return "", &Error{Code: CodeStoreMagnetInvalid, Service: c.ID(), Err: fmt.Errorf("transfer create response has no \"id\" key")}
	}
	return transferID, nil
}

func (c *Premiumize) AddNZB(ctx context.Context, apiToken, nzbURL, name string) (string, error) {
	// Premiumize accepts NZB links through the same transfer endpoint
	data := url.Values{}
	data.Set("src", nzbURL)
	resBytes, err := c.rest.postForm(ctx, apiToken, "/transfer/create", data)
	if err != nil {
		return "", err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return "", err
	}
	transferID := parsed.Get("id").String()
	if transferID == "" {
		return "", &Error{Code: CodeUnprocessableEntity, Service: c.ID(), Err: fmt.Errorf("transfer create response has no \"id\" key")}
	}
	return transferID, nil
}

func (c *Premiumize) GetJob(ctx context.Context, apiToken, jobID string) (*Job, error) {
	resBytes, err := c.rest.get(ctx, apiToken, "/transfer/list")
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(resBytes)
	if err := c.apiError(parsed); err != nil {
		return nil, err
	}

	job := &Job{ID: jobID, Status: StatusQueued}
	var folderID string
	parsed.Get("transfers").ForEach(func(_, transfer gjson.Result) bool {
		if transfer.Get("id").String() != jobID {
			return true
		}
		switch transfer.Get("status").String() {
		case "finished", "seeding":
			job.Status = StatusReady
		case "running", "queued":
			job.Status = StatusDownloading
		case "error", "banned", "timeout":
			job.Status = StatusFailed
		}
		folderID = transfer.Get("folder_id").String()
		return false
	})
	if job.Status == StatusFailed {
		return nil, &Error{Code: CodeUnprocessableEntity, Service: c.ID(), Err: fmt.Errorf("transfer %s failed", jobID)}
	}
	if job.Status != StatusReady || folderID == "" {
		return job, nil
	}

	listBytes, err := c.rest.get(ctx, apiToken, "/folder/list?id="+url.QueryEscape(folderID))
	if err != nil {
		return nil, err
	}
	index := 0
	gjson.GetBytes(listBytes, "content").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "file" {
			return true
		}
		job.Files = append(job.Files, File{
			ID:    item.Get("id").String(),
			Index: index,
			Name:  item.Get("name").String(),
			Size:  item.Get("size").Int(),
			Link:  item.Get("link").String(),
		})
		index++
		return true
	})
	return job, nil
}

// Unrestrict is a no-op for Premiumize: folder listings already carry direct
// links.
func (c *Premiumize) Unrestrict(ctx context.Context, apiToken, link string) (string, error) {
	if link == "" {
		return "", &Error{Code: CodeInternal, Service: c.ID(), Err: fmt.Errorf("empty file link")}
	}
	return link, nil
}

var _ Store = (*Premiumize)(nil)
