// Package source classifies raw user input into a source descriptor.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go-gallery-download/internal/models"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidSourceFormat = errors.New("invalid source format")
	ErrMalformedSelection  = errors.New("malformed selection")
)

const (
	DefaultGalleryHost = "erome.com"
	DefaultThreadHost  = "4chan.org"
)

var (
	threadPathPattern = regexp.MustCompile(`/([^/]+)/thread/(\d+)`)
	communityName     = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Hosts holds the substrings used to detect page-scraped sources.
type Hosts struct {
	Gallery string
	Thread  string
}

// Rule is one step of the classification cascade. Detect decides whether the
// rule owns the input, Build turns it into a descriptor.
type Rule struct {
	Name   models.SourceKind
	Detect func(raw string) bool
	Build  func(raw string) (models.SourceDescriptor, error)
}

// Resolver evaluates its rules in order; the first rule that detects the
// input builds the descriptor.
type Resolver struct {
	rules []Rule
}

// NewResolver returns a resolver with the default cascade:
// gallery host, then thread host, then community fallback.
func NewResolver(hosts Hosts) *Resolver {
	if hosts.Gallery == "" {
		hosts.Gallery = DefaultGalleryHost
	}
	if hosts.Thread == "" {
		hosts.Thread = DefaultThreadHost
	}
	return NewResolverWithRules(
		galleryRule(hosts.Gallery),
		threadRule(hosts.Thread),
		communityRule(),
	)
}

// NewResolverWithRules builds a resolver from an explicit cascade.
func NewResolverWithRules(rules ...Rule) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve classifies raw. It never touches the network.
func (r *Resolver) Resolve(raw string) (models.SourceDescriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.SourceDescriptor{}, fmt.Errorf("%w: empty input", ErrMalformedSelection)
	}
	for _, rule := range r.rules {
		if !rule.Detect(raw) {
			continue
		}
		desc, err := rule.Build(raw)
		if err != nil {
			return models.SourceDescriptor{}, err
		}
		log.WithFields(log.Fields{"kind": desc.Kind, "id": desc.Identifier()}).Debugf("Resolved input %q", raw)
		return desc, nil
	}
	return models.SourceDescriptor{}, fmt.Errorf("%w: no rule matched %q", ErrMalformedSelection, raw)
}

func galleryRule(host string) Rule {
	return Rule{
		Name:   models.KindGallery,
		Detect: func(raw string) bool { return strings.Contains(strings.ToLower(raw), host) },
		Build: func(raw string) (models.SourceDescriptor, error) {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return models.SourceDescriptor{}, fmt.Errorf("%w: gallery URL %q", ErrInvalidSourceFormat, raw)
			}
			return models.NewGallerySource(raw, u.String()), nil
		},
	}
}

func threadRule(host string) Rule {
	return Rule{
		Name:   models.KindThread,
		Detect: func(raw string) bool { return strings.Contains(strings.ToLower(raw), host) },
		Build: func(raw string) (models.SourceDescriptor, error) {
			m := threadPathPattern.FindStringSubmatch(raw)
			if m == nil {
				return models.SourceDescriptor{}, fmt.Errorf("%w: thread URL %q must look like .../<board>/thread/<id>", ErrInvalidSourceFormat, raw)
			}
			return models.NewThreadSource(raw, m[1], m[2]), nil
		},
	}
}

// communityRule accepts a UI-style selection ("<marker> r/<name> (...)"),
// a bare "r/<name>" or a bare "<name>".
func communityRule() Rule {
	return Rule{
		Name:   models.KindCommunity,
		Detect: func(string) bool { return true },
		Build: func(raw string) (models.SourceDescriptor, error) {
			fields := strings.Fields(raw)
			var name string
			for _, f := range fields {
				if strings.HasPrefix(f, "r/") {
					name = strings.TrimPrefix(f, "r/")
					break
				}
			}
			if name == "" && len(fields) == 1 {
				name = fields[0]
			}
			if name == "" || !communityName.MatchString(name) {
				return models.SourceDescriptor{}, fmt.Errorf("%w: expected an r/<name> token in %q", ErrMalformedSelection, raw)
			}
			return models.NewCommunitySource(raw, name), nil
		},
	}
}
