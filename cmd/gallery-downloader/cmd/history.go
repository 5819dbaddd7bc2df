package cmd

import (
	"fmt"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-gallery-download/internal/database"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded passes",
	Long:  `Prints the passes stored in the history database, oldest first.`,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("last", "n", 0, "Only show the last N passes (0 = all)")
	historyCmd.Flags().Bool("latest", false, "Only show the most recent pass of each collection")
	historyCmd.Flags().StringSlice("delete", nil, "Delete the pass record(s) with these IDs")
	historyCmd.Flags().Int("prune", -1, "Delete all but the newest N pass records")
}

// editHistory applies --delete and --prune. It reports whether either ran.
func editHistory(cmd *cobra.Command, db *database.DB) (bool, error) {
	edited := false
	ids, _ := cmd.Flags().GetStringSlice("delete")
	for _, id := range ids {
		ok, err := db.DeletePassRecord(id)
		if err != nil {
			return edited, fmt.Errorf("error deleting pass %s: %w", id, err)
		}
		if ok {
			log.Infof("Deleted pass %s", id)
		} else {
			log.Warnf("No pass recorded with ID %s", id)
		}
		edited = true
	}
	if cmd.Flags().Changed("prune") {
		keep, _ := cmd.Flags().GetInt("prune")
		if keep < 0 {
			return edited, fmt.Errorf("--prune needs a non-negative count, got %d", keep)
		}
		if _, err := db.PrunePassRecords(keep); err != nil {
			return edited, fmt.Errorf("error pruning pass history: %w", err)
		}
		edited = true
	}
	return edited, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	db, err := database.Open(resolvePath(globalConfig.DatabasePath))
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer db.Close()

	if edited, err := editHistory(cmd, db); err != nil || edited {
		return err
	}

	records, err := db.ListPassRecords()
	if err != nil {
		return fmt.Errorf("error reading pass history: %w", err)
	}

	if latestOnly, _ := cmd.Flags().GetBool("latest"); latestOnly {
		latest, err := db.LatestPassRecords()
		if err != nil {
			return fmt.Errorf("error reading pass history: %w", err)
		}
		filtered := records[:0]
		for _, rec := range records {
			if l, ok := latest[rec.Collection.Key()]; ok && l.PassID == rec.PassID {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if last, _ := cmd.Flags().GetInt("last"); last > 0 && len(records) > last {
		records = records[len(records)-last:]
	}

	if len(records) == 0 {
		log.Info("No passes recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tCOLLECTION\tOUTCOME\tNEW\tSKIPPED\tFAILED\tTOTAL\tPASS")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Collection.Kind, rec.Collection.Subdir, rec.Outcome,
			rec.Succeeded, rec.Skipped, rec.Failed, rec.Total, shortID(rec.PassID))
	}
	return w.Flush()
}
