package api

import (
	"context"
	"net/http"
	"time"

	"go-gallery-download/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// RedditTokenURL is the password-grant endpoint for script apps.
const RedditTokenURL = "https://www.reddit.com/api/v1/access_token"

// HasCredentials reports whether all fields of a script app login are set.
func HasCredentials(creds models.RedditConfig) bool {
	return creds.ClientID != "" && creds.ClientSecret != "" && creds.Username != "" && creds.Password != ""
}

// userAgentTransport sets a User-Agent on requests that have none. Reddit
// rejects token requests without one.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// passwordTokenSource fetches a token with the resource owner password grant.
type passwordTokenSource struct {
	ctx      context.Context
	conf     *oauth2.Config
	username string
	password string
}

func (s *passwordTokenSource) Token() (*oauth2.Token, error) {
	log.WithField("user", s.username).Debug("Requesting Reddit OAuth token")
	return s.conf.PasswordCredentialsToken(s.ctx, s.username, s.password)
}

// NewOAuthHTTPClient returns an http.Client that authenticates every request
// with a Reddit bearer token. The token is requested lazily on first use and
// refreshed when it expires. tokenURL may be empty to use RedditTokenURL.
func NewOAuthHTTPClient(base http.RoundTripper, creds models.RedditConfig, tokenURL string, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	if tokenURL == "" {
		tokenURL = RedditTokenURL
	}
	userAgent := creds.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	base = &userAgentTransport{base: base, userAgent: userAgent}

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	// The token request uses the same transport as API calls.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: base, Timeout: timeout})
	source := oauth2.ReuseTokenSource(nil, &passwordTokenSource{
		ctx:      ctx,
		conf:     conf,
		username: creds.Username,
		password: creds.Password,
	})

	return &http.Client{
		Transport: &oauth2.Transport{Source: source, Base: base},
		Timeout:   timeout,
	}
}

// NewRedditClient builds the feed client from configuration. With complete
// credentials it talks to the OAuth host, otherwise to the public JSON API.
func NewRedditClient(transport http.RoundTripper, cfg models.Config) *Client {
	timeout := time.Duration(cfg.ApiClientTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	userAgent := cfg.Reddit.UserAgent
	if userAgent == "" {
		userAgent = cfg.UserAgent
	}

	if HasCredentials(cfg.Reddit) {
		creds := cfg.Reddit
		creds.UserAgent = userAgent
		log.Info("Using authenticated Reddit API access")
		return NewClient(NewOAuthHTTPClient(transport, creds, "", timeout), RedditOAuthBaseURL, userAgent)
	}

	log.Debug("No Reddit credentials configured, using the public JSON API")
	return NewClient(&http.Client{Transport: transport, Timeout: timeout}, RedditBaseURL, userAgent)
}
