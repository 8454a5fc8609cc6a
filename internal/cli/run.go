package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var discover bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Refresh every due document once",
		Long: `Selects due documents in batches, fetches each with a conditional GET
behind the per-host throttle and records the outcome. When the run ends its
metric row is written and the alert rules are evaluated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if discover {
				if _, err := a.Discover(cmd.Context(), nil); err != nil {
					a.Logger().Warn("sitemap discovery incomplete", zap.Error(err))
				}
				if _, err := a.Consolidate(cmd.Context()); err != nil {
					return err
				}
			}

			summary, err := a.Run(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{
				"stats":       summary.Result.Stats,
				"batches":     summary.Result.Batches,
				"duration_ms": summary.Result.Duration.Milliseconds(),
			}
			if summary.Report != nil {
				out["metric_id"] = summary.Report.Metric.ID
				out["alerts"] = summary.Report.Alerts
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&discover, "discover", false, "walk the configured sitemaps and consolidate before running")
	return cmd
}
