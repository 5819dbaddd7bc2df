package lister

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go-gallery-download/internal/api"
	"go-gallery-download/internal/helpers"
	"go-gallery-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// imageExtensions are the only post links a community pass downloads.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

type CommunityLister struct {
	Client FeedClient
}

// CommunityCollection maps a subreddit name to its collection.
func CommunityCollection(name string) models.Collection {
	return models.Collection{
		Kind:   models.KindCommunity,
		ID:     name,
		Subdir: "r_" + helpers.SafeCollectionName(name),
	}
}

// List applies the content-rating gate, then keeps direct image links that
// are not in filters.Seen, in the feed's order, truncated to filters.Limit.
func (l *CommunityLister) List(ctx context.Context, name string, filters Filters) (Listing, error) {
	collection := CommunityCollection(name)
	listing := Listing{Collection: collection, Title: "r/" + name}

	about, err := l.Client.About(ctx, name)
	if err != nil {
		return listing, feedFailure(name, err)
	}
	if (about.Over18 && !filters.AllowNSFW) || (!about.Over18 && !filters.AllowSFW) {
		log.WithFields(log.Fields{"subreddit": name, "over18": about.Over18}).Info("Subreddit filtered out")
		return listing, ErrFilteredOut
	}
	if about.DisplayName != "" {
		listing.Title = "r/" + about.DisplayName
	}

	posts, err := l.Client.Posts(ctx, name, filters.Sort, api.MaxListingItems)
	if err != nil {
		return listing, feedFailure(name, err)
	}

	inPass := make(map[string]struct{})
	for _, post := range posts {
		remote := strings.TrimSpace(post.URL)
		ext, ok := imageExtension(remote)
		if !ok {
			continue
		}
		if _, seen := filters.Seen[remote]; seen {
			continue
		}
		if _, dup := inPass[remote]; dup {
			continue
		}
		inPass[remote] = struct{}{}

		listing.Assets = append(listing.Assets, models.AssetDescriptor{
			RemoteURL:     remote,
			SuggestedName: fmt.Sprintf("%s_%d_%s%s", collection.Subdir, len(listing.Assets), post.ID, ext),
		})
		if filters.Limit > 0 && len(listing.Assets) >= filters.Limit {
			break
		}
	}

	log.WithFields(log.Fields{
		"subreddit": name,
		"posts":     len(posts),
		"new":       len(listing.Assets),
	}).Debug("Community listing complete")
	return listing, nil
}

// imageExtension returns the path extension of a direct image link, keeping
// its original case.
func imageExtension(remote string) (string, bool) {
	u, err := url.Parse(remote)
	if err != nil || u.Scheme == "" {
		return "", false
	}
	ext := path.Ext(u.Path)
	return ext, imageExtensions[strings.ToLower(ext)]
}

func feedFailure(name string, err error) error {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		return &FetchFailedError{Kind: models.KindCommunity, URL: "r/" + name, Status: statusErr.StatusCode, Err: err}
	}
	return &FetchFailedError{Kind: models.KindCommunity, URL: "r/" + name, Err: err}
}
