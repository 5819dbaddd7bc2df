// Package lister turns a resolved source into the ordered list of assets a
// pass should fetch, plus the collection those assets belong to.
package lister

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go-gallery-download/internal/api"
	"go-gallery-download/internal/models"
)

var ErrFilteredOut = errors.New("collection does not match the SFW/NSFW filter")

// FetchFailedError reports a listing request that did not return a usable
// response. Status is 0 for transport errors.
type FetchFailedError struct {
	Kind   models.SourceKind
	URL    string
	Status int
	Err    error
}

func (e *FetchFailedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s listing failed for %s: status %d", e.Kind, e.URL, e.Status)
	}
	return fmt.Sprintf("%s listing failed for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchFailedError) Unwrap() error {
	return e.Err
}

// Filters narrow what a listing returns.
type Filters struct {
	Limit      int // community only, 0 means no limit
	AllowSFW   bool
	AllowNSFW  bool
	SkipVideos bool // gallery only
	SkipImages bool // gallery only
	Sort       string
	Seen       map[string]struct{} // ledger contents, community only
}

// Listing is the outcome of listing one source.
type Listing struct {
	Collection models.Collection
	Assets     []models.AssetDescriptor
	Title      string
}

// FeedClient is the part of the Reddit API a community listing needs.
type FeedClient interface {
	About(ctx context.Context, subreddit string) (api.SubredditInfo, error)
	Posts(ctx context.Context, subreddit, sort string, limit int) ([]api.Post, error)
}

// Lister dispatches to the per-kind listers.
type Lister struct {
	Community *CommunityLister
	Gallery   *GalleryLister
	Thread    *ThreadLister
}

// New builds a lister that shares httpClient between the page sources.
func New(feed FeedClient, httpClient *http.Client) *Lister {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Lister{
		Community: &CommunityLister{Client: feed},
		Gallery:   &GalleryLister{HttpClient: httpClient, UserAgent: BrowserUserAgent},
		Thread:    NewThreadLister(httpClient),
	}
}

// List lists the assets of desc.
func (l *Lister) List(ctx context.Context, desc models.SourceDescriptor, filters Filters) (Listing, error) {
	switch desc.Kind {
	case models.KindCommunity:
		if desc.Community == nil || l.Community == nil {
			break
		}
		return l.Community.List(ctx, desc.Community.CollectionID, filters)
	case models.KindGallery:
		if desc.Gallery == nil || l.Gallery == nil {
			break
		}
		return l.Gallery.List(ctx, desc.Gallery.PageURL, filters)
	case models.KindThread:
		if desc.Thread == nil || l.Thread == nil {
			break
		}
		return l.Thread.List(ctx, desc.Thread.Board, desc.Thread.ThreadID)
	}
	return Listing{}, fmt.Errorf("no lister for source kind %q", desc.Kind)
}

// CollectionFor returns the collection a descriptor maps to without any
// network I/O. Gallery collections are named after the page title, which is
// only known after listing, so ok is false for them.
func CollectionFor(desc models.SourceDescriptor) (c models.Collection, ok bool) {
	switch desc.Kind {
	case models.KindCommunity:
		if desc.Community != nil {
			return CommunityCollection(desc.Community.CollectionID), true
		}
	case models.KindThread:
		if desc.Thread != nil {
			return ThreadCollection(desc.Thread.Board, desc.Thread.ThreadID), true
		}
	}
	return models.Collection{}, false
}

func httpFailure(kind models.SourceKind, url string, resp *http.Response) error {
	return &FetchFailedError{
		Kind:   kind,
		URL:    url,
		Status: resp.StatusCode,
		Err:    fmt.Errorf("unexpected status %s", resp.Status),
	}
}
