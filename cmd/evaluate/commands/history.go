package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rootscope/internal/models"
	"rootscope/internal/timeutil"
)

func newHistoryCmd() *cobra.Command {
	var (
		since string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Summarize archived experiment results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DB.Path == "" {
				return fmt.Errorf("history needs db.path to be configured")
			}

			var from time.Time
			if since != "" {
				from, err = timeutil.ParseRelative(since, time.Now())
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
			}

			a, err := setup(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()

			results, err := a.DB.ListEvaluations(cmd.Context(), from, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Results []*models.EvaluationResult `json:"results"`
				Summary models.SuiteSummary        `json:"summary"`
			}{results, models.Summarize(results, 0)})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Only results archived after this time, e.g. now-24h")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum results to include")
	return cmd
}
