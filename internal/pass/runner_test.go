package pass

import (
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

	"go-gallery-download/index"
	"go-gallery-download/internal/api"
	"go-gallery-download/internal/database"
	"go-gallery-download/internal/downloader"
	"go-gallery-download/internal/ledger"
	"go-gallery-download/internal/lister"
	"go-gallery-download/internal/models"
	"go-gallery-download/internal/source"
)

type recorder struct {
	mu       sync.Mutex
	progress []models.Progress
	logs     []string
	states   []State
	bytes    int
}

func (r *recorder) OnProgress(_ string, p models.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnBytes(string, models.AssetDescriptor, uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes++
}

func (r *recorder) OnLog(_ string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, msg)
}

func (r *recorder) OnState(_ string, _, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) hasLog(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

type fakeFeed struct {
	over18  bool
	posts   []api.Post
	entered chan struct{}
	release chan struct{}
}

func (f *fakeFeed) About(context.Context, string) (api.SubredditInfo, error) {
	return api.SubredditInfo{Over18: f.over18}, nil
}

func (f *fakeFeed) Posts(context.Context, string, string, int) ([]api.Post, error) {
	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	return f.posts, nil
}

// mediaServer serves every path as a small file, except paths containing
// "broken" which return 500.
func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "broken") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "content of %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRunner(srv *httptest.Server, feed lister.FeedClient) *Runner {
	l := lister.New(feed, srv.Client())
	l.Thread.APIBase = srv.URL
	l.Thread.MediaBase = srv.URL
	return NewRunner(source.NewResolver(source.Hosts{}), l, downloader.NewDownloader(srv.Client()))
}

func communityPosts(base string, names ...string) []api.Post {
	var posts []api.Post
	for i, n := range names {
		posts = append(posts, api.Post{ID: fmt.Sprintf("id%d", i), URL: base + "/" + n})
	}
	return posts
}

func communityRequest(t *testing.T, obs Observer) Request {
	root := t.TempDir()
	return Request{
		Input:        "r/pics",
		AllowSFW:     true,
		MasterFolder: filepath.Join(root, "downloads"),
		CacheFolder:  filepath.Join(root, "cache"),
		Concurrency:  1,
		Observer:     obs,
	}
}

func ledgerLines(t *testing.T, req Request) []string {
	t.Helper()
	data, err := os.ReadFile(ledger.New(req.CacheFolder).Path(models.Collection{Subdir: "r_pics"}))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestCommunityPassIsIdempotent(t *testing.T) {
	srv := mediaServer(t)
	feed := &fakeFeed{posts: communityPosts(srv.URL, "a.jpg", "b.png", "c.gif", "notes.txt")}
	runner := newTestRunner(srv, feed)

	rec := &recorder{}
	req := communityRequest(t, rec)

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Fetch.Succeeded, 3)
	assert.Equal(t, []string{srv.URL + "/a.jpg", srv.URL + "/b.png", srv.URL + "/c.gif"}, ledgerLines(t, req))
	assert.FileExists(t, filepath.Join(req.MasterFolder, "r_pics", "r_pics_0_id0.jpg"))
	assert.True(t, rec.hasLog("3 new images downloaded to"))

	rec2 := &recorder{}
	req.Observer = rec2
	res, err = runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, res.Outcome)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, res.Fetch.Succeeded)
	assert.Len(t, ledgerLines(t, req), 3, "ledger unchanged")
	assert.True(t, rec2.hasLog("No new images found (all duplicates)."))
	assert.Equal(t, []models.Progress{{Current: 0, Total: 0}}, rec2.progress)
}

func TestCommunityLimit(t *testing.T) {
	srv := mediaServer(t)
	runner := newTestRunner(srv, &fakeFeed{posts: communityPosts(srv.URL, "a.jpg", "b.jpg", "c.jpg")})

	rec := &recorder{}
	req := communityRequest(t, rec)
	req.Limit = 2

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Len(t, ledgerLines(t, req), 2)

	entries, err := os.ReadDir(filepath.Join(req.MasterFolder, "r_pics"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, models.Progress{Current: 2, Total: 2}, rec.progress[len(rec.progress)-1])
	assert.True(t, rec.hasLog("Downloading up to 2 images from r/pics..."))
}

func TestCommunityFailuresCountTowardProgress(t *testing.T) {
	srv := mediaServer(t)
	runner := newTestRunner(srv, &fakeFeed{posts: communityPosts(srv.URL, "a.jpg", "broken.jpg", "c.jpg")})

	rec := &recorder{}
	req := communityRequest(t, rec)

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Fetch.Failed, 1)
	assert.Equal(t, []string{srv.URL + "/a.jpg", srv.URL + "/c.jpg"}, ledgerLines(t, req), "failed URLs are never committed")

	require.NotEmpty(t, rec.progress)
	for i := 1; i < len(rec.progress); i++ {
		assert.GreaterOrEqual(t, rec.progress[i].Current, rec.progress[i-1].Current)
		assert.Equal(t, 3, rec.progress[i].Total)
	}
	assert.Equal(t, models.Progress{Current: 3, Total: 3}, rec.progress[len(rec.progress)-1])
}

func TestContentFilterEndsPassQuietly(t *testing.T) {
	srv := mediaServer(t)
	runner := newTestRunner(srv, &fakeFeed{over18: true, posts: communityPosts(srv.URL, "a.jpg")})

	rec := &recorder{}
	req := communityRequest(t, rec)
	req.AllowNSFW = false

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFiltered, res.Outcome)
	assert.Equal(t, StateIdle, res.State)
	assert.True(t, rec.hasLog("does not match selected filter"))
	assert.NoDirExists(t, filepath.Join(req.MasterFolder, "r_pics"))
	assert.Nil(t, ledgerLines(t, req))
}

func TestSecondPassForBusyCollectionIsRejected(t *testing.T) {
	srv := mediaServer(t)
	feed := &fakeFeed{
		posts:   communityPosts(srv.URL, "a.jpg"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	runner := newTestRunner(srv, feed)
	req := communityRequest(t, nil)

	first := runner.Start(context.Background(), req)
	select {
	case <-feed.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never started listing")
	}
	assert.True(t, runner.Active("community:r_pics"))

	res, err := runner.Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrPassActive)
	assert.Equal(t, StateFailed, res.State)

	close(feed.release)
	firstRes := <-first
	require.NoError(t, firstRes.Err)
	assert.Len(t, firstRes.Fetch.Succeeded, 1)
	assert.False(t, runner.Active("community:r_pics"))
}

func TestGalleryWithoutTitleUsesTempDirectory(t *testing.T) {
	var referers sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a/album" {
			fmt.Fprint(w, `<html><body>
				<video><source src="/media/clip.mp4"></video>
				<img class="img-back" data-src="/media/one.jpg">
			</body></html>`)
			return
		}
		referers.Store(r.URL.Path, r.Header.Get("Referer"))
		fmt.Fprint(w, "media")
	}))
	defer srv.Close()

	runner := newTestRunner(srv, &fakeFeed{})
	rec := &recorder{}
	req := communityRequest(t, rec)
	req.RecordLinks = true
	page := srv.URL + "/a/album"

	res, err := runner.Execute(context.Background(), models.NewGallerySource(page, page), req)
	require.NoError(t, err)
	assert.Equal(t, "temp", res.Collection.Subdir)
	assert.Equal(t, 2, res.Total)
	assert.FileExists(t, filepath.Join(req.MasterFolder, "temp", "clip.mp4"))
	assert.FileExists(t, filepath.Join(req.MasterFolder, "temp", "one.jpg"))

	ref, ok := referers.Load("/media/one.jpg")
	require.True(t, ok)
	assert.Equal(t, page, ref)

	links, err := os.ReadFile(filepath.Join(req.MasterFolder, ledger.LinkLogName))
	require.NoError(t, err)
	assert.Equal(t, "[EROME] "+page+"\n", string(links))

	// Page sources keep no ledger; a rerun skips existing files by size.
	res, err = runner.Execute(context.Background(), models.NewGallerySource(page, page), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, res.Outcome)
	assert.Equal(t, 2, res.Fetch.Skipped)
}

func TestThreadWithoutMediaHasZeroTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"posts":[{"no":1,"com":"no attachments here"}]}`)
	}))
	defer srv.Close()

	runner := newTestRunner(srv, &fakeFeed{})
	rec := &recorder{}
	req := communityRequest(t, rec)
	req.Input = "https://boards.4chan.org/wg/thread/123"

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, res.Fetch.Failed)
	assert.Equal(t, OutcomeUpToDate, res.Outcome)
	assert.Equal(t, "4chan_wg_123", res.Collection.Subdir)
	assert.Equal(t, []models.Progress{{Current: 0, Total: 0}}, rec.progress)
	assert.Equal(t, []State{StateResolving, StateListing, StateFetching, StateCommitting, StateIdle}, rec.states)
}

func TestThreadPassDownloadsMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".json") {
			fmt.Fprint(w, `{"posts":[{"no":1,"tim":111,"ext":".jpg"},{"no":2},{"no":3,"tim":333,"ext":".webm"}]}`)
			return
		}
		fmt.Fprint(w, "bytes")
	}))
	defer srv.Close()

	runner := newTestRunner(srv, &fakeFeed{})
	req := communityRequest(t, &recorder{})
	req.Input = "https://boards.4chan.org/wg/thread/123"
	req.RecordLinks = true
	req.Concurrency = 2

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.FileExists(t, filepath.Join(req.MasterFolder, "4chan_wg_123", "111.jpg"))
	assert.FileExists(t, filepath.Join(req.MasterFolder, "4chan_wg_123", "333.webm"))

	links, err := os.ReadFile(filepath.Join(req.MasterFolder, ledger.LinkLogName))
	require.NoError(t, err)
	assert.Equal(t, "[4CHAN] https://boards.4chan.org/wg/thread/123\n", string(links))
}

func TestListingFailureFailsPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	runner := newTestRunner(srv, &fakeFeed{})
	rec := &recorder{}
	req := communityRequest(t, rec)
	req.Input = "https://boards.4chan.org/wg/thread/404"

	res, err := runner.Run(context.Background(), req)
	var fetchErr *lister.FetchFailedError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, []State{StateResolving, StateListing, StateFailed}, rec.states)
	assert.True(t, rec.hasLog("Error:"))
}

func TestResolveFailure(t *testing.T) {
	runner := NewRunner(source.NewResolver(source.Hosts{}), nil, nil)
	res, err := runner.Run(context.Background(), Request{Input: "not a valid selection"})
	assert.ErrorIs(t, err, source.ErrMalformedSelection)
	assert.Equal(t, StateFailed, res.State)
}

func TestHistoryAndIndexAreWritten(t *testing.T) {
	srv := mediaServer(t)
	runner := newTestRunner(srv, &fakeFeed{posts: communityPosts(srv.URL, "a.jpg", "b.jpg")})

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	defer db.Close()
	idx, err := index.OpenOrCreateIndex(filepath.Join(dir, "idx.bleve"))
	require.NoError(t, err)
	defer idx.Close()
	runner.History = db
	runner.Index = idx

	res, err := runner.Run(context.Background(), communityRequest(t, nil))
	require.NoError(t, err)

	recs, err := db.ListPassRecords()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.PassID, recs[0].PassID)
	assert.Equal(t, "completed", recs[0].Outcome)
	assert.Equal(t, 2, recs[0].Succeeded)
	assert.Equal(t, "r_pics", recs[0].Collection.Subdir)

	found, err := index.SearchIndex(idx, "+collection:r_pics", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), found.Total)
	assert.NotEmpty(t, found.Hits[0].Fields["hash"])
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateResolving))
	assert.True(t, CanTransition(StateFetching, StateFailed))
	assert.False(t, CanTransition(StateCommitting, StateFailed))
	assert.False(t, CanTransition(StateFailed, StateIdle))
	assert.False(t, CanTransition(StateIdle, StateFetching))
}

func TestDispatcherPreservesOrderAndDrains(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(rec)
	for i := 1; i <= 1000; i++ {
		p := models.Progress{Current: i, Total: 1000}
		d.post(func(o Observer) { o.OnProgress("x", p) })
	}
	d.close()

	require.Len(t, rec.progress, 1000)
	for i, p := range rec.progress {
		assert.Equal(t, i+1, p.Current)
	}
	// Posting after close is dropped instead of blocking.
	d.post(func(o Observer) { o.OnLog("x", "late") })
	assert.Empty(t, rec.logs)
}

func TestCommunityPassIsSequential(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, "img")
	}))
	defer srv.Close()

	runner := newTestRunner(srv, &fakeFeed{posts: communityPosts(srv.URL, "a.jpg", "b.jpg", "c.jpg", "d.jpg")})
	req := communityRequest(t, nil)
	req.Concurrency = 5

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Fetch.Succeeded, 4)
	assert.Equal(t, int32(1), peak.Load(), "subreddit transfers must not overlap")
}

func TestUntitledGalleriesShareDirectoryLock(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a/1":
			fmt.Fprint(w, `<html><body><img class="img-back" data-src="/media/first.jpg"></body></html>`)
		case "/a/2":
			fmt.Fprint(w, `<html><body><img class="img-back" data-src="/media/second.jpg"></body></html>`)
		case "/media/first.jpg":
			once.Do(func() { close(entered) })
			<-release
			fmt.Fprint(w, "first")
		default:
			fmt.Fprint(w, "second")
		}
	}))
	defer srv.Close()

	runner := newTestRunner(srv, &fakeFeed{})
	req := communityRequest(t, nil)
	req.Input = srv.URL + "/a/1"
	runner.Resolver = source.NewResolver(source.Hosts{Gallery: "127.0.0.1"})

	first := runner.Start(context.Background(), req)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first gallery pass never started fetching")
	}
	assert.True(t, runner.Active("gallery:temp"))

	second := srv.URL + "/a/2"
	res, err := runner.Execute(context.Background(), models.NewGallerySource(second, second), req)
	assert.ErrorIs(t, err, ErrPassActive)
	assert.Equal(t, StateFailed, res.State)
	assert.NoFileExists(t, filepath.Join(req.MasterFolder, "temp", "second.jpg"))

	close(release)
	firstRes := <-first
	require.NoError(t, firstRes.Err)
	assert.Len(t, firstRes.Fetch.Succeeded, 1)
	assert.False(t, runner.Active("gallery:temp"))

	res, err = runner.Execute(context.Background(), models.NewGallerySource(second, second), req)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(req.MasterFolder, "temp", "second.jpg"))
}
