package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LinkLogName is the audit file written into the master folder.
const LinkLogName = "downloaded_links.log"

// LinkLog is a flat audit trail of "[SOURCE] url" lines shared by all
// collections. A line is appended only if it is not already present.
type LinkLog struct {
	path string
	mu   sync.Mutex
}

// NewLinkLog returns a link log at <dir>/downloaded_links.log.
func NewLinkLog(dir string) *LinkLog {
	return &LinkLog{path: filepath.Join(dir, LinkLogName)}
}

// Path returns the log file location.
func (l *LinkLog) Path() string {
	return l.path
}

// Record appends "[SOURCE] url". It reports whether a line was written.
func (l *LinkLog) Record(source, url string) (bool, error) {
	line := fmt.Sprintf("[%s] %s", strings.ToUpper(source), strings.TrimSpace(url))

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := os.ReadFile(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("reading link log %s: %w", l.path, err)
	}
	if strings.Contains(string(existing), line) {
		log.Debugf("Link already logged: %s", line)
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("creating link log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("opening link log %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return false, fmt.Errorf("writing link log %s: %w", l.path, err)
	}
	return true, nil
}
