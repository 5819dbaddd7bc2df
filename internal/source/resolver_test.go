package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-gallery-download/internal/models"
)

func TestResolve(t *testing.T) {
	r := NewResolver(Hosts{})

	tests := []struct {
		name    string
		input   string
		kind    models.SourceKind
		id      string
		wantErr error
	}{
		{"Gallery URL", "https://www.erome.com/a/X9CLe8fX", models.KindGallery, "https://www.erome.com/a/X9CLe8fX", nil},
		{"Thread URL", "https://boards.4chan.org/wg/thread/7654321", models.KindThread, "wg/7654321", nil},
		{"Thread URL with slug", "https://boards.4chan.org/p/thread/123/some-title", models.KindThread, "p/123", nil},
		{"Thread host without thread path", "https://boards.4chan.org/wg/catalog", "", "", ErrInvalidSourceFormat},
		{"Gallery host without scheme", "erome.com", "", "", ErrInvalidSourceFormat},
		{"UI selection", "✅ r/EarthPorn (23,000,000 members) - Pictures of the earth", models.KindCommunity, "EarthPorn", nil},
		{"Bare r/ name", "r/pics", models.KindCommunity, "pics", nil},
		{"Bare name", "wallpapers", models.KindCommunity, "wallpapers", nil},
		{"Selection without token", "some words here", "", "", ErrMalformedSelection},
		{"Invalid name characters", "r/not-valid!", "", "", ErrMalformedSelection},
		{"Empty input", "   ", "", "", ErrMalformedSelection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := r.Resolve(tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, desc.Kind)
			assert.Equal(t, tt.id, desc.Identifier())
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	r := NewResolver(Hosts{})

	// Both hosts appear; the gallery rule comes first.
	desc, err := r.Resolve("https://www.erome.com/a/abc?ref=boards.4chan.org/wg/thread/1")
	require.NoError(t, err)
	assert.Equal(t, models.KindGallery, desc.Kind)
	require.NotNil(t, desc.Gallery)
	assert.Nil(t, desc.Thread)
	assert.Nil(t, desc.Community)
}

func TestResolveCustomRules(t *testing.T) {
	r := NewResolverWithRules(Rule{
		Name:   models.KindGallery,
		Detect: func(raw string) bool { return raw == "special" },
		Build: func(raw string) (models.SourceDescriptor, error) {
			return models.NewGallerySource(raw, "http://example.test/special"), nil
		},
	})

	desc, err := r.Resolve("special")
	require.NoError(t, err)
	assert.Equal(t, "http://example.test/special", desc.Gallery.PageURL)

	_, err = r.Resolve("other")
	assert.ErrorIs(t, err, ErrMalformedSelection)
}
