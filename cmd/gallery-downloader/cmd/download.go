package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-gallery-download/index"
	"go-gallery-download/internal/api"
	"go-gallery-download/internal/database"
	"go-gallery-download/internal/downloader"
	"go-gallery-download/internal/lister"
	"go-gallery-download/internal/pass"
	"go-gallery-download/internal/source"
)

var downloadCmd = &cobra.Command{
	Use:   "download [SOURCE...]",
	Short: "Download every new asset of one or more sources",
	Long: `Runs one pass per source. A source is a subreddit name, an erome album URL
or a 4chan thread URL. Subreddit passes skip URLs already recorded in the
download cache; album and thread passes skip files already on disk.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().IntP("limit", "l", 0, "Maximum number of new subreddit images (0 = all)")
	downloadCmd.Flags().IntP("concurrency", "c", 0, "Concurrent transfers for album and thread passes (default from config)")
	downloadCmd.Flags().String("sort", "", "Subreddit listing order (new, hot, top, rising)")
	downloadCmd.Flags().Bool("sfw", true, "Allow SFW subreddits")
	downloadCmd.Flags().Bool("nsfw", false, "Allow NSFW subreddits")
	downloadCmd.Flags().Bool("skip-videos", false, "Skip videos on album pages")
	downloadCmd.Flags().Bool("skip-images", false, "Skip images on album pages")
	downloadCmd.Flags().Bool("no-link-log", false, "Do not append to downloaded_links.log")
	downloadCmd.Flags().Bool("no-history", false, "Do not record passes in the history database or search index")

	_ = viper.BindPFlag("download.limit", downloadCmd.Flags().Lookup("limit"))
	_ = viper.BindPFlag("download.concurrency", downloadCmd.Flags().Lookup("concurrency"))
	_ = viper.BindPFlag("download.sort", downloadCmd.Flags().Lookup("sort"))
	_ = viper.BindPFlag("download.sfw", downloadCmd.Flags().Lookup("sfw"))
	_ = viper.BindPFlag("download.nsfw", downloadCmd.Flags().Lookup("nsfw"))
	_ = viper.BindPFlag("download.skip_videos", downloadCmd.Flags().Lookup("skip-videos"))
	_ = viper.BindPFlag("download.skip_images", downloadCmd.Flags().Lookup("skip-images"))
	_ = viper.BindPFlag("download.no_link_log", downloadCmd.Flags().Lookup("no-link-log"))
	_ = viper.BindPFlag("download.no_history", downloadCmd.Flags().Lookup("no-history"))
}

// buildRequest merges config values with the flags the user set explicitly.
func buildRequest(cmd *cobra.Command, input string) pass.Request {
	cfg := globalConfig
	req := pass.Request{
		Input:        input,
		Limit:        cfg.Limit,
		AllowSFW:     cfg.AllowSFW,
		AllowNSFW:    cfg.AllowNSFW,
		MasterFolder: cfg.MasterFolder,
		CacheFolder:  resolvePath(cfg.CacheFolder),
		Concurrency:  cfg.Concurrency,
		SkipVideos:   cfg.SkipVideos,
		SkipImages:   cfg.SkipImages,
		Sort:         cfg.Sort,
		RecordLinks:  cfg.LinkLog,
	}

	flags := cmd.Flags()
	if flags.Changed("limit") {
		req.Limit = viper.GetInt("download.limit")
	}
	if flags.Changed("concurrency") {
		if c := viper.GetInt("download.concurrency"); c > 0 {
			req.Concurrency = c
		} else {
			log.Warnf("Invalid concurrency value %d, using config value %d", c, cfg.Concurrency)
		}
	}
	if flags.Changed("sort") {
		req.Sort = viper.GetString("download.sort")
	}
	if flags.Changed("sfw") {
		req.AllowSFW = viper.GetBool("download.sfw")
	}
	if flags.Changed("nsfw") {
		req.AllowNSFW = viper.GetBool("download.nsfw")
	}
	if flags.Changed("skip-videos") {
		req.SkipVideos = viper.GetBool("download.skip_videos")
	}
	if flags.Changed("skip-images") {
		req.SkipImages = viper.GetBool("download.skip_images")
	}
	if viper.GetBool("download.no_link_log") {
		req.RecordLinks = false
	}
	return req
}

// newRunner wires the resolver, listers, transfer engine and optional
// history sinks from the global configuration.
func newRunner() *pass.Runner {
	timeout := time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	feed := api.NewRedditClient(globalHttpTransport, globalConfig)
	pageClient := &http.Client{Transport: globalHttpTransport, Timeout: timeout}
	transferClient := &http.Client{Transport: globalHttpTransport, Timeout: 15 * time.Minute}

	runner := pass.NewRunner(
		source.NewResolver(source.Hosts{}),
		lister.New(feed, pageClient),
		downloader.NewDownloader(transferClient),
	)
	runner.UserAgent = globalConfig.UserAgent
	return runner
}

// openSinks opens the history database and the search index. Either may be
// nil when it cannot be opened; passes still run without them.
func openSinks() (*database.DB, bleve.Index) {
	if err := os.MkdirAll(globalConfig.MasterFolder, 0755); err != nil {
		log.WithError(err).Warnf("Could not create master folder %s", globalConfig.MasterFolder)
		return nil, nil
	}

	db, err := database.Open(resolvePath(globalConfig.DatabasePath))
	if err != nil {
		log.WithError(err).Warn("History database unavailable, passes will not be recorded")
		db = nil
	}

	idx, err := index.OpenOrCreateIndex(resolvePath(globalConfig.BleveIndexPath))
	if err != nil {
		log.WithError(err).Warn("Search index unavailable, assets will not be indexed")
		idx = nil
	}
	return db, idx
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := newRunner()
	if !viper.GetBool("download.no_history") {
		db, idx := openSinks()
		if db != nil {
			defer db.Close()
			runner.History = db
		}
		if idx != nil {
			defer idx.Close()
			runner.Index = idx
		}
	}

	var failedPasses int
	for _, input := range args {
		if ctx.Err() != nil {
			log.Warn("Interrupted, skipping remaining sources")
			break
		}

		req := buildRequest(cmd, input)
		obs := newProgressObserver(cmd.OutOrStdout())
		req.Observer = obs

		obs.Start()
		res, err := runner.Run(ctx, req)
		obs.Stop()

		fmt.Fprintln(cmd.OutOrStdout(), renderSummary(res))
		if err != nil {
			failedPasses++
			if errors.Is(err, pass.ErrPassActive) {
				log.Warnf("Skipping %s: %v", input, err)
				continue
			}
			log.WithError(err).Errorf("Pass for %s failed", input)
		}
	}

	if failedPasses > 0 {
		return fmt.Errorf("%d of %d passes failed", failedPasses, len(args))
	}
	return nil
}
