package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of a JSON body ends up in the log file.
const maxLoggedBody = 64 * 1024

var (
	openTransportsMu sync.Mutex
	openTransports   []*LoggingTransport
)

// LoggingTransport wraps an http.RoundTripper and dumps API traffic to a file.
// JSON and HTML bodies (listings, thread JSON, gallery pages) are logged; media
// bodies are passed through untouched.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport creates a new LoggingTransport.
// It opens the specified log file for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	t := &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}

	openTransportsMu.Lock()
	openTransports = append(openTransports, t)
	openTransportsMu.Unlock()

	return t, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
// The lock only guards the log writer so concurrent transfers are not serialized.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	reqDump, err := httputil.DumpRequestOut(req, false)
	if err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", startTime.Format(time.RFC3339), string(reqDump)))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s", req.URL, duration, err.Error()))
		return resp, err
	}

	headerDump, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		headerDump = []byte("Status: " + resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isTextContent(contentType) {
		t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v, Type: %s) ---\n%s\n(Body not logged)", req.URL, duration, contentType, string(headerDump)))
		return resp, nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	// Restore the body so the caller can read it.
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if readErr != nil {
		log.WithError(readErr).Error("Failed to read response body for logging")
		t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n(Body read failed)", req.URL, duration, string(headerDump)))
		return resp, nil
	}

	logged := bodyBytes
	suffix := ""
	if len(logged) > maxLoggedBody {
		logged = logged[:maxLoggedBody]
		suffix = fmt.Sprintf("\n... (%d bytes truncated)", len(bodyBytes)-maxLoggedBody)
	}
	t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n--- Response Body (%s) ---\n%s%s",
		req.URL, duration, string(headerDump), contentType, string(logged), suffix))

	return resp, nil
}

func isTextContent(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json") || strings.HasPrefix(contentType, "text/html")
}

// writeLog writes a block to the log file and flushes it.
func (t *LoggingTransport) writeLog(logString string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.writer.WriteString(logString + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\nLog message: %s\n", err, logString)
		return
	}
	if err := t.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing API log file: %v\n", err)
	}
}

// Close closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

// CloseAllLoggingTransports closes every transport opened by NewLoggingTransport.
func CloseAllLoggingTransports() {
	openTransportsMu.Lock()
	transports := openTransports
	openTransports = nil
	openTransportsMu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			log.WithError(err).Warn("Failed to close API log file")
		}
	}
}
