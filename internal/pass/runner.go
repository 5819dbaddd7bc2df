// Package pass runs one resolve, list, fetch and commit cycle for a source
// and reports its progress to an Observer.
package pass

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go-gallery-download/index"
	"go-gallery-download/internal/database"
	"go-gallery-download/internal/downloader"
	"go-gallery-download/internal/helpers"
	"go-gallery-download/internal/ledger"
	"go-gallery-download/internal/lister"
	"go-gallery-download/internal/models"
	"go-gallery-download/internal/source"
)

// ErrPassActive rejects a pass for a collection that already has one running.
var ErrPassActive = errors.New("a pass is already running for this collection")

const (
	DefaultConcurrency  = 5
	DefaultMasterFolder = "downloads"
)

// AssetLister lists the assets of a resolved source.
type AssetLister interface {
	List(ctx context.Context, desc models.SourceDescriptor, filters lister.Filters) (lister.Listing, error)
}

// Request is the caller configuration for one pass.
type Request struct {
	Input        string
	Limit        int // community only, 0 means all
	AllowSFW     bool
	AllowNSFW    bool
	MasterFolder string
	CacheFolder  string // defaults to <MasterFolder>/cache
	Concurrency  int // page sources only, subreddit passes are sequential
	SkipVideos   bool
	SkipImages   bool
	Sort         string
	RecordLinks  bool // append to <MasterFolder>/downloaded_links.log
	Observer     Observer
}

// Result summarizes a pass.
type Result struct {
	PassID     string
	Source     models.SourceDescriptor
	Collection models.Collection
	Directory  string
	Title      string
	State      State // StateIdle on success, StateFailed otherwise
	Outcome    Outcome
	Total      int
	Fetch      models.FetchResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner executes passes. It is safe for concurrent use; at most one pass
// runs per collection at a time.
type Runner struct {
	Resolver   *source.Resolver
	Lister     AssetLister
	Downloader *downloader.Downloader
	UserAgent  string // for community and thread asset requests

	// Optional sinks. Failures writing to them are logged and never fail a pass.
	History *database.DB
	Index   bleve.Index

	mu     sync.Mutex
	active map[string]string
}

// NewRunner wires the pass dependencies.
func NewRunner(resolver *source.Resolver, assetLister AssetLister, dl *downloader.Downloader) *Runner {
	return &Runner{
		Resolver:   resolver,
		Lister:     assetLister,
		Downloader: dl,
		active:     make(map[string]string),
	}
}

// Run resolves req.Input and executes the pass synchronously. The returned
// error equals Result.Err.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	run := r.begin(req)
	defer run.finish()

	run.setState(StateResolving)
	desc, err := r.Resolver.Resolve(req.Input)
	if err != nil {
		run.failWith(err)
		return run.result, err
	}
	return r.execute(ctx, run, desc, req)
}

// Execute runs a pass for an already resolved descriptor.
func (r *Runner) Execute(ctx context.Context, desc models.SourceDescriptor, req Request) (Result, error) {
	run := r.begin(req)
	defer run.finish()

	run.setState(StateResolving)
	return r.execute(ctx, run, desc, req)
}

// Start runs the pass on its own goroutine. The channel yields exactly one
// Result and is then closed.
func (r *Runner) Start(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		res, _ := r.Run(ctx, req)
		out <- res
	}()
	return out
}

// Active reports whether a pass is running for the collection key.
func (r *Runner) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[key]
	return ok
}

func (r *Runner) acquire(key, passID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[string]string)
	}
	if _, busy := r.active[key]; busy {
		return false
	}
	r.active[key] = passID
	return true
}

func (r *Runner) release(key string) {
	r.mu.Lock()
	delete(r.active, key)
	r.mu.Unlock()
}

// lockKey identifies the collection a descriptor writes to before listing.
// Gallery collections are named after the page title, so the page URL stands
// in until the listing names the directory.
func lockKey(desc models.SourceDescriptor) string {
	if c, ok := lister.CollectionFor(desc); ok {
		return c.Key()
	}
	return string(desc.Kind) + ":" + desc.Identifier()
}

func (r *Runner) begin(req Request) *passRun {
	run := &passRun{
		id:    uuid.NewString(),
		state: StateIdle,
		disp:  newDispatcher(req.Observer),
	}
	if so, ok := req.Observer.(StateObserver); ok {
		run.stateObs = so
	}
	run.result = Result{PassID: run.id, State: StateIdle, StartedAt: time.Now()}
	return run
}

func (r *Runner) execute(ctx context.Context, run *passRun, desc models.SourceDescriptor, req Request) (Result, error) {
	run.result.Source = desc
	key := lockKey(desc)
	if !r.acquire(key, run.id) {
		run.failWith(fmt.Errorf("%w: %s", ErrPassActive, key))
		return run.result, run.result.Err
	}
	defer r.release(key)

	masterFolder := req.MasterFolder
	if masterFolder == "" {
		masterFolder = DefaultMasterFolder
	}
	cacheFolder := req.CacheFolder
	if cacheFolder == "" {
		cacheFolder = filepath.Join(masterFolder, "cache")
	}

	// --- Listing ---
	run.setState(StateListing)
	filters := lister.Filters{
		Limit:      req.Limit,
		AllowSFW:   req.AllowSFW,
		AllowNSFW:  req.AllowNSFW,
		SkipVideos: req.SkipVideos,
		SkipImages: req.SkipImages,
		Sort:       req.Sort,
	}

	var dedup *ledger.Ledger
	if desc.Kind == models.KindCommunity {
		limitLabel := "All"
		if req.Limit > 0 {
			limitLabel = fmt.Sprint(req.Limit)
		}
		run.logf("Downloading up to %s images from r/%s...", limitLabel, desc.Identifier())

		dedup = ledger.New(cacheFolder)
		collection, _ := lister.CollectionFor(desc)
		seen, err := dedup.Load(collection)
		if err != nil {
			return r.fail(run, req, fmt.Errorf("loading ledger: %w", err))
		}
		filters.Seen = seen
	}

	listing, err := r.Lister.List(ctx, desc, filters)
	filtered := errors.Is(err, lister.ErrFilteredOut)
	if err != nil && !filtered {
		return r.fail(run, req, err)
	}
	if filtered {
		run.logf("Subreddit does not match selected filter (SFW/NSFW). Skipping download.")
		listing.Assets = nil
	}
	run.result.Collection = listing.Collection
	run.result.Title = listing.Title

	// Gallery folders come from the page title, so distinct pages can share
	// one directory. The directory itself is locked too.
	if dirKey := listing.Collection.Key(); listing.Collection.Subdir != "" && dirKey != key {
		if !r.acquire(dirKey, run.id) {
			return r.fail(run, req, fmt.Errorf("%w: %s", ErrPassActive, dirKey))
		}
		defer r.release(dirKey)
	}

	dir, err := filepath.Abs(filepath.Join(masterFolder, listing.Collection.Subdir))
	if err != nil {
		dir = filepath.Join(masterFolder, listing.Collection.Subdir)
	}
	run.result.Directory = dir

	// --- Fetching ---
	run.setState(StateFetching)
	total := len(listing.Assets)
	run.result.Total = total
	run.progress(models.Progress{Current: 0, Total: total})

	if !filtered && !helpers.CheckAndMakeDir(dir) {
		return r.fail(run, req, fmt.Errorf("%w: creating collection directory %s", downloader.ErrFileSystem, dir))
	}

	targets := make([]models.TransferTarget, 0, total)
	for _, asset := range listing.Assets {
		targets = append(targets, models.TransferTarget{
			Asset:     asset,
			LocalPath: filepath.Join(dir, helpers.SanitizeFilename(asset.SuggestedName)),
		})
	}

	opts := downloader.Options{
		Concurrency: req.Concurrency,
		UserAgent:   r.UserAgent,
		OnProgress:  run.progress,
		OnBytes: func(target models.TransferTarget, written, size uint64) {
			asset := target.Asset
			run.disp.post(func(o Observer) { o.OnBytes(run.id, asset, written, size) })
		},
		OnLog: func(msg string) { run.logf("%s", msg) },
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	// Subreddit passes always fetch sequentially; only page sources fan out.
	if desc.Kind == models.KindCommunity {
		opts.Concurrency = 1
	}
	if desc.Kind == models.KindGallery {
		opts.UserAgent = lister.BrowserUserAgent
		opts.Referer = desc.Identifier()
	}

	var fetched models.FetchResult
	if len(targets) > 0 {
		fetched = r.Downloader.FetchAll(ctx, targets, opts)
	}
	run.result.Fetch = fetched

	// --- Committing ---
	run.setState(StateCommitting)
	if dedup != nil {
		if err := dedup.Commit(listing.Collection, fetched.SucceededURLs()); err != nil {
			run.logf("Failed to update download cache: %v", err)
			run.result.Err = fmt.Errorf("committing ledger: %w", err)
		}
	}
	if req.RecordLinks && len(fetched.Succeeded) > 0 {
		r.recordLink(run, masterFolder, desc)
	}

	run.setState(StateIdle)
	run.result.Outcome = classify(len(fetched.Succeeded), len(fetched.Failed))
	if filtered {
		run.result.Outcome = OutcomeFiltered
	}
	run.summarize(desc.Kind, filtered)

	run.result.FinishedAt = time.Now()
	r.storeHistory(run, req)
	r.indexAssets(run, targets)

	return run.result, run.result.Err
}

// fail ends a pass that already held its collection lock.
func (r *Runner) fail(run *passRun, req Request, err error) (Result, error) {
	run.failWith(err)
	r.storeHistory(run, req)
	return run.result, err
}

func (r *Runner) recordLink(run *passRun, masterFolder string, desc models.SourceDescriptor) {
	var sourceName, link string
	switch desc.Kind {
	case models.KindGallery:
		sourceName, link = "erome", desc.Identifier()
	case models.KindThread:
		sourceName, link = "4chan", strings.TrimSpace(desc.Raw)
	case models.KindCommunity:
		sourceName, link = "reddit", "https://www.reddit.com/r/"+desc.Identifier()
	}
	if link == "" {
		return
	}
	if _, err := ledger.NewLinkLog(masterFolder).Record(sourceName, link); err != nil {
		log.WithError(err).Warn("Failed to record link")
	}
}

func (r *Runner) storeHistory(run *passRun, req Request) {
	if r.History == nil {
		return
	}
	res := run.result
	rec := models.PassRecord{
		PassID:     res.PassID,
		Input:      req.Input,
		Collection: res.Collection,
		Directory:  res.Directory,
		State:      string(res.State),
		Outcome:    string(res.Outcome),
		Total:      res.Total,
		Succeeded:  len(res.Fetch.Succeeded),
		Skipped:    res.Fetch.Skipped,
		Failed:     len(res.Fetch.Failed),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := r.History.PutPassRecord(rec); err != nil {
		log.WithError(err).Warn("Failed to store pass history")
	}
}

func (r *Runner) indexAssets(run *passRun, targets []models.TransferTarget) {
	if r.Index == nil || len(run.result.Fetch.Succeeded) == 0 {
		return
	}
	paths := make(map[string]string, len(targets))
	for _, t := range targets {
		paths[t.Asset.Key()] = t.LocalPath
	}

	res := run.result
	items := make([]index.Item, 0, len(res.Fetch.Succeeded))
	for _, asset := range res.Fetch.Succeeded {
		path := paths[asset.Key()]
		item := index.Item{
			ID:            asset.Key(),
			Kind:          string(res.Collection.Kind),
			Name:          filepath.Base(path),
			Collection:    res.Collection.Subdir,
			Source:        res.Collection.ID,
			Title:         res.Title,
			RemoteURL:     asset.RemoteURL,
			FilePath:      path,
			DirectoryPath: res.Directory,
			FileFormat:    strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
			PassID:        res.PassID,
			DownloadedAt:  res.FinishedAt,
		}
		if info, err := os.Stat(path); err == nil {
			item.FileSizeKB = float64(info.Size()) / 1024
		}
		if hash, err := helpers.HashFile(path); err == nil {
			item.Hash = hash
		} else {
			log.WithError(err).Debugf("Could not hash %s", path)
		}
		items = append(items, item)
	}
	if err := index.IndexItems(r.Index, items); err != nil {
		log.WithError(err).Warn("Failed to index downloaded assets")
		return
	}
	log.WithField("pass", res.PassID).Debugf("Indexed %d assets", len(items))
}

// passRun is the mutable state of one pass.
type passRun struct {
	id       string
	state    State
	disp     *dispatcher
	stateObs StateObserver
	result   Result
}

func (p *passRun) setState(to State) {
	from := p.state
	if !CanTransition(from, to) {
		log.Errorf("Invalid pass state transition %s -> %s", from, to)
	}
	p.state = to
	p.result.State = to
	if p.stateObs != nil {
		id := p.id
		so := p.stateObs
		p.disp.post(func(Observer) { so.OnState(id, from, to) })
	}
}

func (p *passRun) failWith(err error) {
	p.logf("Error: %v", err)
	p.setState(StateFailed)
	p.result.Err = err
	p.result.Outcome = OutcomeFailed
	p.result.FinishedAt = time.Now()
}

func (p *passRun) progress(pr models.Progress) {
	p.disp.post(func(o Observer) { o.OnProgress(p.id, pr) })
}

func (p *passRun) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.WithField("pass", p.id).Debug(msg)
	p.disp.post(func(o Observer) { o.OnLog(p.id, msg) })
}

func (p *passRun) summarize(kind models.SourceKind, filtered bool) {
	if filtered {
		return
	}
	res := p.result
	count := len(res.Fetch.Succeeded)
	if kind == models.KindCommunity {
		if count == 0 {
			p.logf("No new images found (all duplicates).")
		} else {
			p.logf("%d new images downloaded to '%s'", count, res.Directory)
		}
	} else {
		p.logf("Downloaded %d of %d files to %s (%d skipped)", count, res.Total, res.Directory, res.Fetch.Skipped)
	}
	if n := len(res.Fetch.Failed); n > 0 {
		p.logf("%d file(s) failed to download.", n)
	}
}

func (p *passRun) finish() {
	p.disp.close()
}
