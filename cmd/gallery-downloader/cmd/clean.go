package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove partial (.tmp) downloads from the master folder",
	Long: `Recursively scans the configured MasterFolder and removes files ending in .tmp
left behind by interrupted transfers. Optionally removes *.torrent and
*-magnet.txt files as well.`,
	RunE: runClean,
}

type cleanCounts struct {
	tmp, torrents, magnets, failed int
}

// cleanFolder removes leftover artifacts under root.
func cleanFolder(root string, torrents, magnets bool) (cleanCounts, error) {
	var counts cleanCounts
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}

		lowerName := strings.ToLower(d.Name())
		var counter *int
		switch {
		case strings.HasSuffix(lowerName, ".tmp"):
			counter = &counts.tmp
		case torrents && strings.HasSuffix(lowerName, ".torrent"):
			counter = &counts.torrents
		case magnets && strings.HasSuffix(lowerName, "-magnet.txt"):
			counter = &counts.magnets
		default:
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Errorf("Failed to remove %q: %v", path, err)
			counts.failed++
			return nil
		}
		log.Infof("Removed %s", path)
		*counter++
		return nil
	})
	return counts, walkErr
}

func runClean(cmd *cobra.Command, args []string) error {
	masterFolder := globalConfig.MasterFolder
	info, err := os.Stat(masterFolder)
	if err != nil {
		return fmt.Errorf("error accessing MasterFolder %q: %w", masterFolder, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("MasterFolder is not a directory: %s", masterFolder)
	}

	cleanTorrents, _ := cmd.Flags().GetBool("torrents")
	cleanMagnets, _ := cmd.Flags().GetBool("magnets")
	log.Infof("Scanning for leftover files in %s...", masterFolder)

	counts, walkErr := cleanFolder(masterFolder, cleanTorrents, cleanMagnets)
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", masterFolder, walkErr)
	}

	var parts []string
	if counts.tmp > 0 {
		parts = append(parts, fmt.Sprintf("%d .tmp file(s)", counts.tmp))
	}
	if counts.torrents > 0 {
		parts = append(parts, fmt.Sprintf("%d .torrent file(s)", counts.torrents))
	}
	if counts.magnets > 0 {
		parts = append(parts, fmt.Sprintf("%d -magnet.txt file(s)", counts.magnets))
	}
	summary := "Clean complete. Removed: 0 files"
	if len(parts) > 0 {
		summary = "Clean complete. Removed: " + strings.Join(parts, ", ")
	}
	if counts.failed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", counts.failed)
	}
	log.Info(summary)

	if counts.failed > 0 || walkErr != nil {
		return fmt.Errorf("clean finished with %d failure(s)", counts.failed)
	}
	return nil
}
