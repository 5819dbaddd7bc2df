package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-gallery-download/internal/helpers"
	"go-gallery-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrFileSystem  = errors.New("filesystem error") // Covers create, write, rename
	ErrHttpRequest = errors.New("HTTP request creation/execution error")
)

const (
	// SizeTolerance is how far, in bytes, a local file may differ from the
	// remote size and still count as already downloaded.
	SizeTolerance = 50
	// ChunkSize is the streaming read size; one byte tick fires per chunk.
	ChunkSize = 1024
)

// Status is the per-asset outcome of a transfer.
type Status string

const (
	StatusDownloaded Status = "Downloaded"
	StatusSkipped    Status = "Skipped"
	StatusFailed     Status = "Failed"
)

// TransferError describes a failed asset transfer. Status is 0 when no HTTP
// response was received.
type TransferError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransferError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transfer of %s failed with status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("transfer of %s failed: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Options tune one FetchAll batch. The callbacks are invoked while the batch
// counter lock is held, so they must not block.
type Options struct {
	Concurrency int
	UserAgent   string
	Referer     string

	OnProgress func(p models.Progress)
	OnBytes    func(target models.TransferTarget, written, total uint64)
	OnLog      func(msg string)
}

// Downloader handles downloading files with skip checks and temp-file writes.
// It is stateless with respect to the dedup ledger.
type Downloader struct {
	client *http.Client
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Minute,
		}
	}
	return &Downloader{client: client}
}

// FetchAll transfers every target with at most opts.Concurrency transfers in
// flight. Failures are recorded and never stop the batch. Succeeded assets are
// returned in target order.
func (d *Downloader) FetchAll(ctx context.Context, targets []models.TransferTarget, opts Options) models.FetchResult {
	numWorkers := opts.Concurrency
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(targets) && len(targets) > 0 {
		numWorkers = len(targets)
	}

	statuses := make([]Status, len(targets))
	errs := make([]error, len(targets))
	var (
		mu      sync.Mutex
		current int
		written uint64
	)
	total := len(targets)

	complete := func(idx int, status Status, err error, n uint64) {
		mu.Lock()
		defer mu.Unlock()
		statuses[idx] = status
		errs[idx] = err
		written += n
		current++
		if opts.OnLog != nil {
			switch status {
			case StatusSkipped:
				opts.OnLog(fmt.Sprintf("Skipping %s [already downloaded]", targets[idx].Asset.RemoteURL))
			case StatusFailed:
				opts.OnLog(fmt.Sprintf("Failed to download %s: %v", targets[idx].Asset.RemoteURL, err))
			default:
				opts.OnLog(fmt.Sprintf("Saved: %s", targets[idx].LocalPath))
			}
		}
		if opts.OnProgress != nil {
			opts.OnProgress(models.Progress{Current: current, Total: total})
		}
	}

	jobs := make(chan int, numWorkers*2)
	var wg sync.WaitGroup

	log.Debugf("Starting %d download workers for %d targets", numWorkers, total)
	for w := 1; w <= numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				target := targets[idx]
				var onBytes func(written, total uint64)
				if opts.OnBytes != nil {
					onBytes = func(written, size uint64) {
						mu.Lock()
						opts.OnBytes(target, written, size)
						mu.Unlock()
					}
				}
				status, n, err := d.fetch(ctx, target, opts, onBytes)
				if err != nil {
					log.WithFields(log.Fields{"worker": workerID, "url": target.Asset.RemoteURL}).WithError(err).Error("Download failed")
				} else {
					log.WithFields(log.Fields{"worker": workerID, "status": status}).Debugf("Finished %s", target.LocalPath)
				}
				complete(idx, status, err, n)
			}
		}(w)
	}

	for idx := range targets {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	result := models.FetchResult{BytesWritten: written}
	for idx, status := range statuses {
		switch status {
		case StatusDownloaded:
			result.Succeeded = append(result.Succeeded, targets[idx].Asset)
		case StatusSkipped:
			result.Skipped++
		default:
			result.Failed = append(result.Failed, models.FailedAsset{Asset: targets[idx].Asset, Reason: errs[idx]})
		}
	}
	log.Infof("Batch finished: %d downloaded, %d skipped, %d failed", len(result.Succeeded), result.Skipped, len(result.Failed))
	return result
}

// Fetch transfers a single target.
func (d *Downloader) Fetch(ctx context.Context, target models.TransferTarget, opts Options) (Status, error) {
	status, _, err := d.fetch(ctx, target, opts, nil)
	return status, err
}

func (d *Downloader) fetch(ctx context.Context, target models.TransferTarget, opts Options, onBytes func(written, total uint64)) (Status, uint64, error) {
	remoteURL := target.Asset.RemoteURL

	// Known size: decide without touching the network.
	if target.Asset.ExpectedSize != nil && alreadyDownloaded(target.LocalPath, int64(*target.Asset.ExpectedSize)) {
		log.Debugf("Existing file %s matches expected size, skipping", target.LocalPath)
		return StatusSkipped, 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return StatusFailed, 0, &TransferError{URL: remoteURL, Err: fmt.Errorf("%w: creating request: %v", ErrHttpRequest, err)}
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}
	if opts.Referer != "" {
		req.Header.Set("Referer", opts.Referer)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return StatusFailed, 0, &TransferError{URL: remoteURL, Err: fmt.Errorf("%w: performing request: %v", ErrHttpRequest, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusFailed, 0, &TransferError{URL: remoteURL, Status: resp.StatusCode, Err: fmt.Errorf("%w: received status %d", ErrHttpStatus, resp.StatusCode)}
	}

	// Headers are enough to detect an existing copy; the body stays unread.
	if resp.ContentLength >= 0 && alreadyDownloaded(target.LocalPath, resp.ContentLength) {
		log.Debugf("Existing file %s matches Content-Length %d, skipping", target.LocalPath, resp.ContentLength)
		return StatusSkipped, 0, nil
	}

	n, err := writeBody(resp, target.LocalPath, onBytes)
	if err != nil {
		return StatusFailed, n, &TransferError{URL: remoteURL, Err: err}
	}
	return StatusDownloaded, n, nil
}

// alreadyDownloaded reports whether path exists with a size within
// SizeTolerance of remoteSize.
func alreadyDownloaded(path string, remoteSize int64) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	diff := info.Size() - remoteSize
	if diff < 0 {
		diff = -diff
	}
	return diff <= SizeTolerance
}

// writeBody streams the response into a temp file beside finalPath in
// ChunkSize reads and renames it into place.
func writeBody(resp *http.Response, finalPath string, onBytes func(written, total uint64)) (uint64, error) {
	targetDir := filepath.Dir(finalPath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return 0, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	tempFile, err := os.CreateTemp(targetDir, filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("%w: creating temporary file for %s: %v", ErrFileSystem, finalPath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			_ = tempFile.Close()
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	var size uint64
	if resp.ContentLength > 0 {
		size = uint64(resp.ContentLength)
	}
	counter := &helpers.CounterWriter{Writer: tempFile}
	if onBytes != nil {
		counter.OnWrite = func(total uint64) { onBytes(total, size) }
	}

	log.Debugf("Downloading to %s (Target: %s, Size: %s)...", tempFile.Name(), finalPath, helpers.BytesToSize(size))
	// The plain reader wrapper keeps CopyBuffer on the fixed-size buffer path.
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(counter, struct{ io.Reader }{resp.Body}, buf); err != nil {
		return counter.Total, fmt.Errorf("%w: writing temporary file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	if err := tempFile.Close(); err != nil {
		return counter.Total, fmt.Errorf("%w: closing temp file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}
	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		return counter.Total, fmt.Errorf("%w: renaming temporary file %s to %s: %v", ErrFileSystem, tempFile.Name(), finalPath, err)
	}
	shouldCleanupTemp = false

	log.Debugf("Successfully downloaded %s (%s)", finalPath, helpers.BytesToSize(counter.Total))
	return counter.Total, nil
}
