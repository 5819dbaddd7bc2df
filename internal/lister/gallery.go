package lister

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"

	"go-gallery-download/internal/helpers"
	"go-gallery-download/internal/models"
)

// BrowserUserAgent is sent to the gallery host, which rejects unknown clients.
const BrowserUserAgent = "Mozilla/5.0"

type GalleryLister struct {
	HttpClient *http.Client
	UserAgent  string
}

// List scrapes one album page. Videos come first, then images, each URL once.
func (l *GalleryLister) List(ctx context.Context, pageURL string, filters Filters) (Listing, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Listing{}, &FetchFailedError{Kind: models.KindGallery, URL: pageURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Listing{}, &FetchFailedError{Kind: models.KindGallery, URL: pageURL, Err: err}
	}
	userAgent := l.UserAgent
	if userAgent == "" {
		userAgent = BrowserUserAgent
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := l.HttpClient.Do(req)
	if err != nil {
		return Listing{}, &FetchFailedError{Kind: models.KindGallery, URL: pageURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Listing{}, httpFailure(models.KindGallery, pageURL, resp)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Listing{}, &FetchFailedError{Kind: models.KindGallery, URL: pageURL, Err: fmt.Errorf("parsing page: %w", err)}
	}

	rawTitle, _ := doc.Find(`meta[property="og:title"]`).First().Attr("content")
	title := helpers.CleanTitle(rawTitle)

	var urls []string
	if !filters.SkipVideos {
		doc.Find("source").Each(func(_ int, s *goquery.Selection) {
			if src, ok := s.Attr("src"); ok {
				urls = append(urls, src)
			}
		})
	}
	if !filters.SkipImages {
		doc.Find("img.img-back").Each(func(_ int, s *goquery.Selection) {
			if src, ok := s.Attr("data-src"); ok {
				urls = append(urls, src)
			}
		})
	}

	listing := Listing{
		Collection: models.Collection{Kind: models.KindGallery, ID: pageURL, Subdir: title},
		Title:      title,
	}
	seen := make(map[string]struct{})
	for _, raw := range urls {
		abs, ok := resolveReference(base, raw)
		if !ok {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		listing.Assets = append(listing.Assets, models.AssetDescriptor{
			RemoteURL:     abs,
			SuggestedName: assetName(abs, len(listing.Assets)),
		})
	}

	log.WithFields(log.Fields{"page": pageURL, "title": title, "assets": len(listing.Assets)}).Debug("Gallery listing complete")
	return listing, nil
}

// resolveReference makes src absolute against the page URL.
func resolveReference(base *url.URL, src string) (string, bool) {
	src = strings.TrimSpace(src)
	if src == "" {
		return "", false
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}

// assetName is the sanitized last path segment of the asset URL.
func assetName(remote string, index int) string {
	u, err := url.Parse(remote)
	if err == nil {
		if name := path.Base(u.Path); name != "." && name != "/" && name != "" {
			return helpers.SanitizeFilename(name)
		}
	}
	return fmt.Sprintf("asset_%d", index)
}
