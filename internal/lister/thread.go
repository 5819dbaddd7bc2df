package lister

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"go-gallery-download/internal/models"
)

const (
	ThreadAPIBase   = "https://a.4cdn.org"
	ThreadMediaBase = "https://i.4cdn.org"
)

type threadPost struct {
	Tim   *int64  `json:"tim"`
	Ext   string  `json:"ext"`
	Fsize *uint64 `json:"fsize"`
}

type threadResponse struct {
	Posts []threadPost `json:"posts"`
}

type ThreadLister struct {
	HttpClient *http.Client
	APIBase    string
	MediaBase  string
}

func NewThreadLister(httpClient *http.Client) *ThreadLister {
	return &ThreadLister{HttpClient: httpClient, APIBase: ThreadAPIBase, MediaBase: ThreadMediaBase}
}

// ThreadCollection maps a thread to its collection.
func ThreadCollection(board, threadID string) models.Collection {
	return models.Collection{
		Kind:   models.KindThread,
		ID:     board + "/" + threadID,
		Subdir: fmt.Sprintf("4chan_%s_%s", board, threadID),
	}
}

// List fetches the thread JSON and keeps every post with an attachment, in
// post order. A thread without attachments yields an empty listing.
func (l *ThreadLister) List(ctx context.Context, board, threadID string) (Listing, error) {
	apiURL := fmt.Sprintf("%s/%s/thread/%s.json", l.APIBase, board, threadID)
	listing := Listing{
		Collection: ThreadCollection(board, threadID),
		Title:      fmt.Sprintf("/%s/ thread %s", board, threadID),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return listing, &FetchFailedError{Kind: models.KindThread, URL: apiURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.HttpClient.Do(req)
	if err != nil {
		return listing, &FetchFailedError{Kind: models.KindThread, URL: apiURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return listing, httpFailure(models.KindThread, apiURL, resp)
	}

	var thread threadResponse
	if err := json.NewDecoder(resp.Body).Decode(&thread); err != nil {
		return listing, &FetchFailedError{Kind: models.KindThread, URL: apiURL, Err: fmt.Errorf("decoding thread JSON: %w", err)}
	}

	for _, post := range thread.Posts {
		if post.Tim == nil || post.Ext == "" {
			continue
		}
		name := strconv.FormatInt(*post.Tim, 10) + post.Ext
		listing.Assets = append(listing.Assets, models.AssetDescriptor{
			RemoteURL:     fmt.Sprintf("%s/%s/%s", l.MediaBase, board, name),
			SuggestedName: name,
			ExpectedSize:  post.Fsize,
		})
	}

	log.WithFields(log.Fields{"board": board, "thread": threadID, "posts": len(thread.Posts), "media": len(listing.Assets)}).Debug("Thread listing complete")
	return listing, nil
}
