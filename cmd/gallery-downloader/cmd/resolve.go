package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-gallery-download/internal/lister"
	"go-gallery-download/internal/source"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [SOURCE...]",
	Short: "Show how each input would be classified",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := source.NewResolver(source.Hosts{})
		out := cmd.OutOrStdout()
		var failed int
		for _, input := range args {
			desc, err := resolver.Resolve(input)
			if err != nil {
				failed++
				fmt.Fprintf(out, "%s\n  %s %s\n", input, detailStyle.Render("Error:"), errorStyle.Render(err.Error()))
				continue
			}
			fmt.Fprintf(out, "%s\n  %s %s\n  %s %s\n", input,
				detailStyle.Render("Detected Type:"), infoStyle.Render(string(desc.Kind)),
				detailStyle.Render("Identifier:"), desc.Identifier())
			if c, ok := lister.CollectionFor(desc); ok {
				fmt.Fprintf(out, "  %s %s\n", detailStyle.Render("Folder:"), c.Subdir)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d input(s) could not be resolved", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
