package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/content-ingest/internal/report"
)

func newReportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "report [name...]",
		Short: "Render reports as CSV",
		Long: fmt.Sprintf(`Renders the named reports (all of them when none are given) as CSV.
With --out each report is written to <out>/<name>.csv; otherwise the tables
are printed to stdout separated by blank lines.

Reports: %s`, strings.Join(report.Names, ", ")),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tables, err := a.Reports(cmd.Context(), args)
			if err != nil {
				return err
			}
			if outDir != "" {
				paths, err := report.WriteDir(outDir, tables)
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			}
			w := cmd.OutOrStdout()
			for i, t := range tables {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "# %s\n", t.Name)
				if err := report.WriteCSV(w, t); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write <name>.csv files into")
	return cmd
}
