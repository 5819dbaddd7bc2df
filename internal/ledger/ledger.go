// Package ledger keeps the per-collection record of already downloaded URLs.
//
// A ledger is a plain text file with one URL per line. It is only ever
// appended to; resetting it is a housekeeping concern outside this package.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-gallery-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Ledger stores ledger files under a cache folder as <subdir>.txt.
// Callers must serialize commits for the same collection.
type Ledger struct {
	dir string
}

// New returns a ledger rooted at cacheFolder.
func New(cacheFolder string) *Ledger {
	return &Ledger{dir: cacheFolder}
}

// Path returns the ledger file for a collection.
func (l *Ledger) Path(c models.Collection) string {
	return filepath.Join(l.dir, c.Subdir+".txt")
}

// Load reads the full set of recorded URLs. A missing file is an empty set.
func (l *Ledger) Load(c models.Collection) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	path := l.Path(c)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("No ledger at %s, starting empty", path)
			return seen, nil
		}
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seen[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", path, err)
	}
	log.WithField("collection", c.Subdir).Debugf("Loaded %d ledger entries", len(seen))
	return seen, nil
}

// Commit appends urls, one per line, in the given order. It is a no-op for
// an empty slice and never rewrites existing lines.
func (l *Ledger) Commit(c models.Collection, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("creating cache folder %s: %w", l.dir, err)
	}

	path := l.Path(c)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening ledger %s for append: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for _, u := range urls {
		if _, err := w.WriteString(strings.TrimSpace(u) + "\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("appending to ledger %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flushing ledger %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing ledger %s: %w", path, err)
	}
	log.WithField("collection", c.Subdir).Infof("Committed %d URL(s) to %s", len(urls), path)
	return nil
}
