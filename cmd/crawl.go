package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// newCrawlCmd runs a single query in the foreground and prints its result.
func newCrawlCmd() *cobra.Command {
	var query listing.Query
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one query through every tier and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(query.Keywords) == "" {
				return errors.New("--keywords is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, runErr := appInstance.Crawl(cmd.Context(), query)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("crawl: %w", runErr)
			}
			appInstance.Logger().Info("crawl finished",
				zap.String("run_id", res.RunID),
				zap.Int("stored", res.Stored),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&query.Keywords, "keywords", "", "search keywords")
	cmd.Flags().StringVar(&query.Location, "location", "", "optional location filter")
	cmd.Flags().IntVar(&query.Limit, "limit", 0, "per-source result cap (0 for source default)")
	return cmd
}
