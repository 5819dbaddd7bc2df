package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// DefaultTitle is used when a page has no usable title.
const DefaultTitle = "temp"

var (
	illegalTitleChars = regexp.MustCompile(`[\\/:*?"<>|]`)
	nonWordChars      = regexp.MustCompile(`[^\w-]`)
)

// CleanTitle replaces characters that are illegal in file names with '_'
// and trims leading/trailing dots and spaces. Empty results fall back to DefaultTitle.
func CleanTitle(title string) string {
	title = illegalTitleChars.ReplaceAllString(title, "_")
	title = strings.Trim(title, ". ")
	if title == "" {
		return DefaultTitle
	}
	return title
}

// SanitizeFilename is CleanTitle for single path components. Control
// characters are dropped as well.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	return CleanTitle(name)
}

// SafeCollectionName lowercases a community name and replaces anything that is
// not a word character or '-' with '_'.
func SafeCollectionName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "r/")
	return nonWordChars.ReplaceAllString(name, "_")
}

// HashFile returns the upper-case hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return strings.ToUpper(hex.EncodeToString(hasher.Sum(nil))), nil
}

// CounterWriter tracks the number of bytes written to the underlying writer
// and reports the running total after every write.
type CounterWriter struct {
	Total   uint64
	Writer  io.Writer
	OnWrite func(total uint64)
}

// Write implements the io.Writer interface for CounterWriter.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	if cw.OnWrite != nil && n > 0 {
		cw.OnWrite(cw.Total)
	}
	return n, err
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
