package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check Reddit credentials)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
	ErrBadStatus    = errors.New("API request failed")
)

const (
	RedditBaseURL      = "https://www.reddit.com"
	RedditOAuthBaseURL = "https://oauth.reddit.com"

	// MaxListingItems is the most posts Reddit will page through for one listing.
	MaxListingItems = 1000
	pageSize        = 100

	DefaultUserAgent = "go-gallery-download/1.0"
)

// StatusError carries the HTTP status of a failed API call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (status code %d)", e.Err, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Post is the subset of a Reddit submission the downloader needs.
type Post struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Over18 bool   `json:"over_18"`
}

// SubredditInfo is the subset of /about.json the downloader needs.
type SubredditInfo struct {
	DisplayName string `json:"display_name"`
	Over18      bool   `json:"over18"`
}

type listingResponse struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data Post `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type aboutResponse struct {
	Data SubredditInfo `json:"data"`
}

// Client talks to the Reddit JSON API. It holds no per-pass state and is
// safe to share between concurrent passes.
type Client struct {
	BaseURL    string
	UserAgent  string
	HttpClient *http.Client
	MaxRetries int
	RetryDelay time.Duration
}

// NewClient creates a new API client
func NewClient(httpClient *http.Client, baseURL, userAgent string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = RedditBaseURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		BaseURL:    baseURL,
		UserAgent:  userAgent,
		HttpClient: httpClient,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// About fetches subreddit metadata, used for the SFW/NSFW gate.
func (c *Client) About(ctx context.Context, subreddit string) (SubredditInfo, error) {
	reqURL := fmt.Sprintf("%s/r/%s/about.json", c.BaseURL, url.PathEscape(subreddit))

	var about aboutResponse
	if err := c.getJSON(ctx, reqURL, &about); err != nil {
		return SubredditInfo{}, err
	}
	return about.Data, nil
}

// Posts pages through a subreddit listing until limit posts were collected or
// the listing ends. Posts are returned in the API's order.
func (c *Client) Posts(ctx context.Context, subreddit, sort string, limit int) ([]Post, error) {
	if sort == "" {
		sort = "new"
	}
	if limit <= 0 || limit > MaxListingItems {
		limit = MaxListingItems
	}

	var posts []Post
	after := ""
	for page := 1; len(posts) < limit; page++ {
		values := url.Values{}
		values.Set("limit", strconv.Itoa(min(pageSize, limit-len(posts))))
		values.Set("raw_json", "1")
		if after != "" {
			values.Set("after", after)
		}
		reqURL := fmt.Sprintf("%s/r/%s/%s.json?%s", c.BaseURL, url.PathEscape(subreddit), url.PathEscape(sort), values.Encode())

		var listing listingResponse
		if err := c.getJSON(ctx, reqURL, &listing); err != nil {
			return nil, err
		}

		for _, child := range listing.Data.Children {
			posts = append(posts, child.Data)
			if len(posts) >= limit {
				break
			}
		}
		log.WithField("subreddit", subreddit).Debugf("Listing page %d returned %d posts (total %d)", page, len(listing.Data.Children), len(posts))

		after = listing.Data.After
		if after == "" || len(listing.Data.Children) == 0 {
			break
		}
	}
	return posts, nil
}

// getJSON performs a GET and decodes the body into out. Rate limits and
// server errors are retried; other failures are returned immediately.
func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", reqURL, err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")

	maxRetries := max(c.MaxRetries, 1)
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := c.HttpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			if ctx.Err() != nil {
				return lastErr
			}
			if attempt < maxRetries-1 {
				log.WithError(err).Warnf("Retrying (%d/%d)...", attempt+1, maxRetries)
				if err := sleepCtx(ctx, time.Duration(attempt+1)*c.RetryDelay); err != nil {
					return fmt.Errorf("%w: retry aborted: %w", lastErr, err)
				}
				continue
			}
			return lastErr
		}

		if resp.StatusCode == http.StatusOK {
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("error reading response body: %w", err)
			}
			if err := json.Unmarshal(body, out); err != nil {
				log.Debugf("Response body causing unmarshal error: %s", string(body[:min(len(body), 200)]))
				return fmt.Errorf("error unmarshalling response JSON: %w", err)
			}
			return nil
		}

		// Drain and close the body to allow connection reuse for retry
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		retryable := false
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = &StatusError{StatusCode: resp.StatusCode, Err: ErrRateLimited}
			retryable = true
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			lastErr = &StatusError{StatusCode: resp.StatusCode, Err: ErrUnauthorized}
		case resp.StatusCode == http.StatusNotFound:
			lastErr = &StatusError{StatusCode: resp.StatusCode, Err: ErrNotFound}
		case resp.StatusCode >= 500:
			lastErr = &StatusError{StatusCode: resp.StatusCode, Err: ErrServerError}
			retryable = true
		default:
			lastErr = &StatusError{StatusCode: resp.StatusCode, Err: ErrBadStatus}
		}

		if !retryable || attempt == maxRetries-1 {
			break
		}

		sleepDuration := time.Duration(attempt+1) * c.RetryDelay
		if resp.StatusCode == http.StatusTooManyRequests {
			// Longer backoff for rate limits
			sleepDuration *= 2
		}
		log.WithError(lastErr).Warnf("Retrying (%d/%d) after %s...", attempt+1, maxRetries, sleepDuration)
		if err := sleepCtx(ctx, sleepDuration); err != nil {
			return fmt.Errorf("%w: retry aborted: %w", lastErr, err)
		}
	}

	log.WithError(lastErr).Errorf("Request to %s failed", reqURL)
	return lastErr
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
