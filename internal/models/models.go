package models

import (
	"strings"
	"time"
)

// SourceKind identifies which upstream a pass talks to.
type SourceKind string

const (
	KindCommunity SourceKind = "community" // subreddit feed
	KindGallery   SourceKind = "gallery"   // erome album page
	KindThread    SourceKind = "thread"    // 4chan thread
)

type (
	Config struct {
		// Paths
		MasterFolder   string `toml:"MasterFolder"`
		CacheFolder    string `toml:"CacheFolder"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`

		// Filtering
		Limit      int    `toml:"Limit"` // 0 means all
		AllowSFW   bool   `toml:"AllowSFW"`
		AllowNSFW  bool   `toml:"AllowNSFW"`
		SkipVideos bool   `toml:"SkipVideos"`
		SkipImages bool   `toml:"SkipImages"`
		Sort       string `toml:"Sort"` // subreddit listing order (new, hot, top, rising)

		// Downloader Behavior
		Concurrency         int    `toml:"Concurrency"` // page sources only, subreddit passes are sequential
		UserAgent           string `toml:"UserAgent"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"`
		LinkLog             bool   `toml:"LinkLog"`

		// Other
		LogApiRequests bool         `toml:"LogApiRequests"`
		Reddit         RedditConfig `toml:"Reddit"`
	}

	RedditConfig struct {
		ClientID     string `toml:"ClientID"`
		ClientSecret string `toml:"ClientSecret"`
		Username     string `toml:"Username"`
		Password     string `toml:"Password"`
		UserAgent    string `toml:"UserAgent"`
	}

	// SourceDescriptor is a tagged union: Kind selects which of the variant
	// pointers is set. Use the New* constructors to keep exactly one active.
	SourceDescriptor struct {
		Kind      SourceKind
		Raw       string
		Community *CommunitySource
		Gallery   *GallerySource
		Thread    *ThreadSource
	}

	CommunitySource struct {
		CollectionID string
	}

	GallerySource struct {
		PageURL string
	}

	ThreadSource struct {
		Board    string
		ThreadID string
	}

	// AssetDescriptor is one remote file a pass may download.
	AssetDescriptor struct {
		RemoteURL     string  `json:"remoteUrl"`
		SuggestedName string  `json:"suggestedName"`
		ExpectedSize  *uint64 `json:"expectedSize,omitempty"`
	}

	// Collection groups the assets of one {kind, identifier} pair. Subdir is
	// both the directory under the master folder and the ledger file stem.
	Collection struct {
		Kind   SourceKind `json:"kind"`
		ID     string     `json:"id"`
		Subdir string     `json:"subdir"`
	}

	TransferTarget struct {
		Asset     AssetDescriptor
		LocalPath string
	}

	Progress struct {
		Current int
		Total   int
	}

	FailedAsset struct {
		Asset  AssetDescriptor
		Reason error
	}

	FetchResult struct {
		Succeeded    []AssetDescriptor
		Skipped      int
		Failed       []FailedAsset
		BytesWritten uint64
	}

	// PassRecord is the persisted summary of one finished pass.
	PassRecord struct {
		PassID     string     `json:"passId"`
		Input      string     `json:"input"`
		Collection Collection `json:"collection"`
		Directory  string     `json:"directory"`
		State      string     `json:"state"`
		Outcome    string     `json:"outcome"`
		Total      int        `json:"total"`
		Succeeded  int        `json:"succeeded"`
		Skipped    int        `json:"skipped"`
		Failed     int        `json:"failed"`
		Error      string     `json:"error,omitempty"`
		StartedAt  time.Time  `json:"startedAt"`
		FinishedAt time.Time  `json:"finishedAt"`
	}
)

// NewCommunitySource builds a community descriptor.
func NewCommunitySource(raw, collectionID string) SourceDescriptor {
	return SourceDescriptor{Kind: KindCommunity, Raw: raw, Community: &CommunitySource{CollectionID: collectionID}}
}

// NewGallerySource builds a gallery descriptor.
func NewGallerySource(raw, pageURL string) SourceDescriptor {
	return SourceDescriptor{Kind: KindGallery, Raw: raw, Gallery: &GallerySource{PageURL: pageURL}}
}

// NewThreadSource builds a thread descriptor.
func NewThreadSource(raw, board, threadID string) SourceDescriptor {
	return SourceDescriptor{Kind: KindThread, Raw: raw, Thread: &ThreadSource{Board: board, ThreadID: threadID}}
}

// Identifier returns the identifier of the active variant.
func (d SourceDescriptor) Identifier() string {
	switch d.Kind {
	case KindCommunity:
		if d.Community != nil {
			return d.Community.CollectionID
		}
	case KindGallery:
		if d.Gallery != nil {
			return d.Gallery.PageURL
		}
	case KindThread:
		if d.Thread != nil {
			return d.Thread.Board + "/" + d.Thread.ThreadID
		}
	}
	return ""
}

// Key is the dedup identity of an asset.
func (a AssetDescriptor) Key() string {
	return strings.TrimSpace(a.RemoteURL)
}

// Key uniquely names a collection across source kinds.
func (c Collection) Key() string {
	return string(c.Kind) + ":" + c.Subdir
}

// SucceededURLs returns the normalized URLs of all succeeded assets in fetch order.
func (r FetchResult) SucceededURLs() []string {
	urls := make([]string, 0, len(r.Succeeded))
	for _, a := range r.Succeeded {
		urls = append(urls, a.Key())
	}
	return urls
}
