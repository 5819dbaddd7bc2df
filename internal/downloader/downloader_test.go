package downloader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-gallery-download/internal/models"
)

func target(srvURL, name, dir string) models.TransferTarget {
	return models.TransferTarget{
		Asset:     models.AssetDescriptor{RemoteURL: srvURL + "/" + name, SuggestedName: name},
		LocalPath: filepath.Join(dir, name),
	}
}

func TestNewDownloaderNilClient(t *testing.T) {
	d := NewDownloader(nil)
	require.NotNil(t, d.client)
	assert.Equal(t, 15*time.Minute, d.client.Timeout)
}

func TestFetchWritesFileAndHeaders(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://www.erome.com/a/abc", r.Header.Get("Referer"))
		assert.Equal(t, "Mozilla/5.0", r.Header.Get("User-Agent"))
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tg := target(srv.URL, "a.jpg", filepath.Join(dir, "album"))

	var ticks []uint64
	res := NewDownloader(srv.Client()).FetchAll(context.Background(), []models.TransferTarget{tg}, Options{
		Concurrency: 1,
		UserAgent:   "Mozilla/5.0",
		Referer:     "https://www.erome.com/a/abc",
		OnBytes: func(_ models.TransferTarget, written, _ uint64) {
			ticks = append(ticks, written)
		},
	})

	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, uint64(3000), res.BytesWritten)
	got, err := os.ReadFile(tg.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// 3000 bytes in 1024-byte chunks is at least three ticks, ending at the full size.
	require.GreaterOrEqual(t, len(ticks), 3)
	assert.Equal(t, uint64(3000), ticks[len(ticks)-1])

	entries, err := os.ReadDir(filepath.Dir(tg.LocalPath))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files may remain")
}

func TestSkipWithinToleranceWithoutReadingBody(t *testing.T) {
	var bodiesServed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		// Flush headers and stall; a reader of the body would block here.
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			bodiesServed.Add(1)
			w.Write(bytes.Repeat([]byte("y"), 1000))
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	tg := target(srv.URL, "existing.jpg", dir)
	require.NoError(t, os.WriteFile(tg.LocalPath, bytes.Repeat([]byte("z"), 960), 0644))

	start := time.Now()
	var progress []models.Progress
	res := NewDownloader(srv.Client()).FetchAll(context.Background(), []models.TransferTarget{tg}, Options{
		Concurrency: 1,
		OnProgress:  func(p models.Progress) { progress = append(progress, p) },
	})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Succeeded)
	assert.Equal(t, []models.Progress{{Current: 1, Total: 1}}, progress)

	info, err := os.Stat(tg.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, int64(960), info.Size(), "existing file must be untouched")
}

func TestOutsideToleranceRedownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("y"), 1000))
	}))
	defer srv.Close()

	dir := t.TempDir()
	tg := target(srv.URL, "partial.jpg", dir)
	require.NoError(t, os.WriteFile(tg.LocalPath, []byte("short"), 0644))

	res := NewDownloader(srv.Client()).FetchAll(context.Background(), []models.TransferTarget{tg}, Options{Concurrency: 1})
	require.Len(t, res.Succeeded, 1)

	info, err := os.Stat(tg.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.Size())
}

func TestExpectedSizeSkipsWithoutRequest(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	tg := target(srv.URL, "known.png", dir)
	size := uint64(500)
	tg.Asset.ExpectedSize = &size
	require.NoError(t, os.WriteFile(tg.LocalPath, bytes.Repeat([]byte("a"), 540), 0644))

	res := NewDownloader(srv.Client()).FetchAll(context.Background(), []models.TransferTarget{tg}, Options{})
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int32(0), requests.Load())
}

func TestUnknownSizeNeverSkips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked encoding leaves Content-Length unknown.
		w.(http.Flusher).Flush()
		w.Write([]byte("abc"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	tg := target(srv.URL, "stream.gif", dir)
	require.NoError(t, os.WriteFile(tg.LocalPath, []byte("abd"), 0644))

	res := NewDownloader(srv.Client()).FetchAll(context.Background(), []models.TransferTarget{tg}, Options{})
	require.Len(t, res.Succeeded, 1)
	got, err := os.ReadFile(tg.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFailuresAreFailSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.jpg") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	targets := []models.TransferTarget{
		target(srv.URL, "one.jpg", dir),
		target(srv.URL, "missing.jpg", dir),
		target(srv.URL, "two.jpg", dir),
	}

	var progress []models.Progress
	var logs []string
	res := NewDownloader(srv.Client()).FetchAll(context.Background(), targets, Options{
		Concurrency: 1,
		OnProgress:  func(p models.Progress) { progress = append(progress, p) },
		OnLog:       func(msg string) { logs = append(logs, msg) },
	})

	require.Len(t, res.Succeeded, 2)
	assert.Equal(t, targets[0].Asset, res.Succeeded[0])
	assert.Equal(t, targets[2].Asset, res.Succeeded[1])
	require.Len(t, res.Failed, 1)

	var transferErr *TransferError
	require.ErrorAs(t, res.Failed[0].Reason, &transferErr)
	assert.Equal(t, http.StatusNotFound, transferErr.Status)
	assert.ErrorIs(t, res.Failed[0].Reason, ErrHttpStatus)

	assert.Equal(t, []models.Progress{{Current: 1, Total: 3}, {Current: 2, Total: 3}, {Current: 3, Total: 3}}, progress)
	assert.Len(t, logs, 3)
	_, err := os.Stat(targets[1].LocalPath)
	assert.True(t, os.IsNotExist(err))
}

func TestTransportErrorIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tg := target(url, "gone.jpg", t.TempDir())
	res := NewDownloader(&http.Client{Timeout: time.Second}).FetchAll(context.Background(), []models.TransferTarget{tg}, Options{})
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0].Reason, ErrHttpRequest)
}

func TestConcurrencyBoundAndMonotonicProgress(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	var targets []models.TransferTarget
	for i := 0; i < 12; i++ {
		targets = append(targets, target(srv.URL, fmt.Sprintf("f%02d.jpg", i), dir))
	}

	var mu sync.Mutex
	var currents []int
	res := NewDownloader(srv.Client()).FetchAll(context.Background(), targets, Options{
		Concurrency: 3,
		OnProgress: func(p models.Progress) {
			mu.Lock()
			currents = append(currents, p.Current)
			mu.Unlock()
			assert.Equal(t, 12, p.Total)
		},
	})

	assert.Len(t, res.Succeeded, 12)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	require.Len(t, currents, 12)
	for i, c := range currents {
		assert.Equal(t, i+1, c)
	}
	for i, a := range res.Succeeded {
		assert.Equal(t, targets[i].Asset, a, "succeeded assets keep target order")
	}
}

func TestEmptyBatch(t *testing.T) {
	res := NewDownloader(nil).FetchAll(context.Background(), nil, Options{Concurrency: 5})
	assert.Empty(t, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Zero(t, res.Skipped)
}

func TestSkipToleranceBoundary(t *testing.T) {
	const remoteSize = 1000
	tests := []struct {
		name         string
		localSize    int
		expectedSize bool
		wantSkipped  bool
	}{
		{"content-length exactly 50 below", remoteSize - 50, false, true},
		{"content-length exactly 50 above", remoteSize + 50, false, true},
		{"content-length 51 below", remoteSize - 51, false, false},
		{"content-length 51 above", remoteSize + 51, false, false},
		{"expected size exactly 50 below", remoteSize - 50, true, true},
		{"expected size exactly 50 above", remoteSize + 50, true, true},
		{"expected size 51 below", remoteSize - 51, true, false},
		{"expected size 51 above", remoteSize + 51, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.Header().Set("Content-Length", fmt.Sprint(remoteSize))
				w.Write(bytes.Repeat([]byte("r"), remoteSize))
			}))
			defer srv.Close()

			tg := target(srv.URL, "asset.jpg", t.TempDir())
			if tt.expectedSize {
				size := uint64(remoteSize)
				tg.Asset.ExpectedSize = &size
			}
			require.NoError(t, os.WriteFile(tg.LocalPath, bytes.Repeat([]byte("l"), tt.localSize), 0644))

			res := NewDownloader(srv.Client()).FetchAll(context.Background(), []models.TransferTarget{tg}, Options{Concurrency: 1})

			info, err := os.Stat(tg.LocalPath)
			require.NoError(t, err)
			if tt.wantSkipped {
				assert.Equal(t, 1, res.Skipped)
				assert.Empty(t, res.Succeeded)
				assert.Equal(t, int64(tt.localSize), info.Size())
				if tt.expectedSize {
					assert.Equal(t, int32(0), requests.Load(), "known size decides without a request")
				}
				return
			}
			assert.Equal(t, 0, res.Skipped)
			require.Len(t, res.Succeeded, 1)
			assert.Equal(t, int64(remoteSize), info.Size())
			assert.Equal(t, int32(1), requests.Load())
		})
	}
}
