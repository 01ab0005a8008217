package stremio

// Manifest describes the capabilities of an addon.
// See https://github.com/Stremio/stremio-addon-sdk/blob/ddaa3b80def8a44e553349734dd02ec9c3fea52c/docs/api/responses/manifest.md
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// One of the following is required
	// Note: Can only have one in code because of how Go (de-)serialization works
	//Resources     []string       `json:"resources,omitempty"`
	ResourceItems []ResourceItem `json:"resources,omitempty"`

	Types    []string      `json:"types"`
	Catalogs []CatalogItem `json:"catalogs"`

	// Optional
	IDprefixes    []string      `json:"idPrefixes,omitempty"`
	Background    string        `json:"background,omitempty"` // URL
	Logo          string        `json:"logo,omitempty"`       // URL
	ContactEmail  string        `json:"contactEmail,omitempty"`
	BehaviorHints BehaviorHints `json:"behaviorHints,omitempty"`
}

// ResourceItem is the normalized form of a manifest "resources" entry.
// Upstream addons send either plain strings ("stream") or objects with
// name/types/idPrefixes; the addon fetcher normalizes both into this type.
type ResourceItem struct {
	Name  string   `json:"name"`
	Types []string `json:"types"`

	// Optional
	IDprefixes []string `json:"idPrefixes,omitempty"`
}

type BehaviorHints struct {
	// Note: Must include `omitempty`, otherwise it will be included if this struct is used in another one, even if the field of the containing struct is marked as `omitempty`
	Adult                 bool `json:"adult,omitempty"`
	P2P                   bool `json:"p2p,omitempty"`
	Configurable          bool `json:"configurable,omitempty"`
	ConfigurationRequired bool `json:"configurationRequired,omitempty"`
}

// CatalogItem represents an item in the catalog
type CatalogItem struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`

	// Optional
	Extra []ExtraItem `json:"extra,omitempty"`
}

type ExtraItem struct {
	Name string `json:"name"`

	// Optional
	IsRequired   bool     `json:"isRequired,omitempty"`
	Options      []string `json:"options,omitempty"`
	OptionsLimit int      `json:"optionsLimit,omitempty"`
}

// StreamItem represents a single stream as it travels over the wire, both
// from upstream addons to us and from us to the player.
// At least one of URL, YoutubeID, InfoHash and ExternalURL must be set.
// See https://github.com/Stremio/stremio-addon-sdk/blob/ddaa3b80def8a44e553349734dd02ec9c3fea52c/docs/api/responses/stream.md
type StreamItem struct {
	URL         string `json:"url,omitempty"` // URL
	YoutubeID   string `json:"ytId,omitempty"`
	InfoHash    string `json:"infoHash,omitempty"`
	ExternalURL string `json:"externalUrl,omitempty"` // URL

	// Optional
	Name        string   `json:"name,omitempty"`
	Title       string   `json:"title,omitempty"`       // Used as the description by older clients
	Description string   `json:"description,omitempty"` // Preferred over Title by current clients
	FileIndex   *int     `json:"fileIdx,omitempty"`     // Only when using InfoHash; pointer because 0 is a valid index
	Sources     []string `json:"sources,omitempty"`     // Tracker and DHT sources for InfoHash streams

	Subtitles     []Subtitle           `json:"subtitles,omitempty"`
	BehaviorHints *StreamBehaviorHints `json:"behaviorHints,omitempty"`
}

type StreamBehaviorHints struct {
	BingeGroup       string        `json:"bingeGroup,omitempty"`
	Filename         string        `json:"filename,omitempty"`
	VideoSize        int64         `json:"videoSize,omitempty"`
	ProxyHeaders     *ProxyHeaders `json:"proxyHeaders,omitempty"`
	NotWebReady      bool          `json:"notWebReady,omitempty"`
	CountryWhitelist []string      `json:"countryWhitelist,omitempty"`
}

type ProxyHeaders struct {
	Request  map[string]string `json:"request,omitempty"`
	Response map[string]string `json:"response,omitempty"`
}

type Subtitle struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Lang string `json:"lang"`
}

// StreamsResponse is the body of a "/stream/{type}/{id}.json" response.
type StreamsResponse struct {
	Streams []StreamItem `json:"streams"`
}

// SubtitlesResponse is the body of a "/subtitles/{type}/{id}.json" response.
type SubtitlesResponse struct {
	Subtitles []Subtitle `json:"subtitles"`
}

// MetaPreviewItem is a catalog entry.
type MetaPreviewItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Poster string `json:"poster"` // URL

	// Optional
	PosterShape string `json:"posterShape,omitempty"`
	Background  string `json:"background,omitempty"` // URL
	Logo        string `json:"logo,omitempty"`       // URL
	Description string `json:"description,omitempty"`
}

// CatalogResponse is the body of a "/catalog/{type}/{id}.json" response.
type CatalogResponse struct {
	Metas []MetaPreviewItem `json:"metas"`
}
