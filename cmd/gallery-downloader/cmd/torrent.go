package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-gallery-download/internal/database"
)

const torrentPieceLength = 512 * 1024

type torrentJob struct {
	SourcePath     string
	Trackers       []string
	OutputDir      string
	Overwrite      bool
	GenerateMagnet bool
	LogFields      log.Fields
}

func torrentWorker(id int, jobs <-chan torrentJob, wg *sync.WaitGroup, successCounter *atomic.Int64, failureCounter *atomic.Int64) {
	defer wg.Done()
	for job := range jobs {
		logger := log.WithFields(job.LogFields)
		if _, err := generateTorrentFile(job.SourcePath, job.Trackers, job.OutputDir, job.Overwrite, job.GenerateMagnet); err != nil {
			logger.WithError(err).Errorf("Worker %d: Failed to generate torrent for %s", id, job.SourcePath)
			failureCounter.Add(1)
			continue
		}
		logger.Debugf("Worker %d: Generated torrent for %s", id, job.SourcePath)
		successCounter.Add(1)
	}
}

var (
	torrentCollections  []string
	announceURLs        []string
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for downloaded collections",
	Long: `Generates BitTorrent metainfo (.torrent) files for collection folders recorded
in the pass history. One torrent is built per collection folder.`,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", []string{}, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringSliceVar(&torrentCollections, "collection", []string{}, "Only these collection folders, e.g. r_pics or 4chan_wg_123 (default: all)")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory for .torrent files (default: inside each collection folder)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet-links", false, "Also write a -magnet.txt file next to each .torrent")
	torrentCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent torrent generation workers")
}

// collectTorrentDirs returns the distinct collection directories of the
// latest pass per collection, optionally restricted to the given folder names.
func collectTorrentDirs(db *database.DB, only []string) ([]string, error) {
	latest, err := db.LatestPassRecords()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(only))
	for _, name := range only {
		wanted[name] = struct{}{}
	}

	seen := make(map[string]struct{})
	var dirs []string
	for _, rec := range latest {
		if rec.Directory == "" {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[rec.Collection.Subdir]; !ok {
				continue
			}
		}
		if _, dup := seen[rec.Directory]; dup {
			continue
		}
		seen[rec.Directory] = struct{}{}
		dirs = append(dirs, rec.Directory)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if len(announceURLs) == 0 {
		return errors.New("at least one --announce URL is required")
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		log.Warnf("Invalid concurrency value %d, defaulting to 4", concurrency)
		concurrency = 4
	}

	db, err := database.Open(resolvePath(globalConfig.DatabasePath))
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer db.Close()

	dirs, err := collectTorrentDirs(db, torrentCollections)
	if err != nil {
		return fmt.Errorf("error scanning pass history: %w", err)
	}
	if len(dirs) == 0 {
		log.Info("No collection folders found in the pass history.")
		return nil
	}

	log.Infof("Generating torrents for %d collection folders using %d workers...", len(dirs), concurrency)

	jobs := make(chan torrentJob, concurrency)
	var wg sync.WaitGroup
	var successCounter, failureCounter atomic.Int64
	for i := 1; i <= concurrency; i++ {
		wg.Add(1)
		go torrentWorker(i, jobs, &wg, &successCounter, &failureCounter)
	}
	for _, dir := range dirs {
		jobs <- torrentJob{
			SourcePath:     dir,
			Trackers:       announceURLs,
			OutputDir:      torrentOutputDir,
			Overwrite:      overwriteTorrents,
			GenerateMagnet: generateMagnetLinks,
			LogFields:      log.Fields{"directory": dir},
		}
	}
	close(jobs)
	wg.Wait()

	failCount := failureCounter.Load()
	log.Infof("Torrent generation complete. Success: %d, Failed: %d", successCounter.Load(), failCount)
	if failCount > 0 {
		return fmt.Errorf("%d torrents failed to generate", failCount)
	}
	return nil
}

// generateTorrentFile writes a .torrent for the directory sourcePath and
// returns its path. An existing file is kept unless overwrite is set.
func generateTorrentFile(sourcePath string, trackers []string, outputDir string, overwrite bool, generateMagnetLinks bool) (string, error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	}
	if !stat.IsDir() {
		return "", fmt.Errorf("source path is not a directory: %s", sourcePath)
	}

	torrentFileName := filepath.Base(sourcePath) + ".torrent"
	outPath := filepath.Join(sourcePath, torrentFileName)
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return "", fmt.Errorf("error creating output directory %s: %w", outputDir, err)
		}
		outPath = filepath.Join(outputDir, torrentFileName)
	}

	if _, err := os.Stat(outPath); err == nil {
		if !overwrite {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			return outPath, nil
		}
		log.WithField("path", outPath).Warn("Overwriting existing torrent file")
	}

	mi := metainfo.MetaInfo{AnnounceList: make([][]string, len(trackers))}
	for i, tracker := range trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
	}
	mi.CreatedBy = "go-gallery-download"

	info := metainfo.Info{PieceLength: torrentPieceLength}
	err = info.BuildFromFilePath(sourcePath)
	if err != nil {
		return "", fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	// Keep our own artifacts and partial downloads out of the payload.
	info.Files = excludeArtifacts(info.Files)
	if len(info.Files) == 0 {
		return "", fmt.Errorf("no files to share in %s", sourcePath)
	}
	if err := info.GeneratePieces(func(fi metainfo.FileInfo) (io.ReadCloser, error) {
		return os.Open(filepath.Join(append([]string{sourcePath}, fi.BestPath()...)...))
	}); err != nil {
		return "", fmt.Errorf("error hashing pieces for %s: %w", sourcePath, err)
	}

	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer f.Close()
	if err := mi.Write(f); err != nil {
		return "", fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	log.WithField("path", outPath).Info("Generated torrent file")

	if generateMagnetLinks {
		magnetPath := strings.TrimSuffix(outPath, ".torrent") + "-magnet.txt"
		if err := os.WriteFile(magnetPath, []byte(magnetURI(mi, stat.Name(), trackers)), 0644); err != nil {
			log.WithError(err).WithField("path", magnetPath).Error("Failed to write magnet link file")
		}
	}
	return outPath, nil
}

func magnetURI(mi metainfo.MetaInfo, name string, trackers []string) string {
	parts := []string{
		"magnet:?xt=urn:btih:" + mi.HashInfoBytes().HexString(),
		"dn=" + url.QueryEscape(name),
	}
	for _, tracker := range trackers {
		parts = append(parts, "tr="+url.QueryEscape(tracker))
	}
	return strings.Join(parts, "&")
}

func excludeArtifacts(files []metainfo.FileInfo) []metainfo.FileInfo {
	kept := files[:0]
	for _, fi := range files {
		name := strings.ToLower(strings.Join(fi.BestPath(), "/"))
		if strings.HasSuffix(name, ".torrent") || strings.HasSuffix(name, "-magnet.txt") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		kept = append(kept, fi)
	}
	return kept
}
