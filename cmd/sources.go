package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/uk-ipop/opendata-pipeline/internal/source"
)

var sourcesUseRemote bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect the configured open-data sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List source descriptors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		set, err := sourceRepo(sourcesUseRemote).Load(cmd.Context())
		if err != nil {
			return err
		}
		formatSources(cmd.OutOrStdout(), set.Sources)
		return nil
	},
}

var sourcesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check source descriptors without fetching anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		set, err := sourceRepo(sourcesUseRemote).Load(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d sources OK, %d need geocoding\n", len(set.Sources), len(set.Geocodable()))
		return nil
	},
}

// formatSources writes a tabular list of descriptors to out.
func formatSources(out io.Writer, sources []*source.Descriptor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tMODE\tRECORDS\tGEOCODE\tDRUG_COLUMNS")
	_, _ = fmt.Fprintln(w, "----\t----\t-------\t-------\t------------")
	for _, d := range sources {
		geo := "no"
		if d.NeedsGeocoding {
			geo = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n", d.Name, d.Mode(), d.TotalRecords, geo, len(d.DrugColumns))
	}
	_ = w.Flush()
}

func init() {
	sourcesCmd.PersistentFlags().BoolVar(&sourcesUseRemote, "use-remote", false, "read source descriptors from the remote repository")
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesValidateCmd)
	rootCmd.AddCommand(sourcesCmd)
}
