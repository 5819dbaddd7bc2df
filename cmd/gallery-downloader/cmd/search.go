package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"go-gallery-download/index"
)

var searchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search the index of downloaded assets",
	Long: `Runs a Bleve query string against the asset index, e.g.
  gallery-downloader search '+kind:thread'
  gallery-downloader search '+collection:r_earthporn +fileFormat:png'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntP("size", "s", 20, "Maximum number of hits")
}

func runSearch(cmd *cobra.Command, args []string) error {
	size, _ := cmd.Flags().GetInt("size")
	query := strings.Join(args, " ")

	idx, err := index.OpenOrCreateIndex(resolvePath(globalConfig.BleveIndexPath))
	if err != nil {
		return fmt.Errorf("error opening index: %w", err)
	}
	defer idx.Close()

	res, err := index.SearchIndex(idx, query, size)
	if err != nil {
		return fmt.Errorf("error searching index: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d hit(s) for %q (%s)", res.Total, query, res.Took)))
	for _, hit := range res.Hits {
		fmt.Fprintf(out, "%s\n", infoStyle.Render(hit.ID))
		for _, field := range []string{"filePath", "collection", "fileFormat", "hash"} {
			if v, ok := hit.Fields[field]; ok {
				fmt.Fprintf(out, "  %s %v\n", detailStyle.Render(field+":"), v)
			}
		}
	}
	return nil
}
