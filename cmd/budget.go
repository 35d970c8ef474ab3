package cmd

import (
	"github.com/spf13/cobra"
)

type budgetReport struct {
	Provider string  `json:"provider,omitempty"`
	Tokens   int64   `json:"tokens"`
	SpendUSD float64 `json:"spend_usd"`
	LimitUSD float64 `json:"limit_usd"`
	Exceeded bool    `json:"exceeded"`
	Reason   string  `json:"reason,omitempty"`
}

func newBudgetCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show today's LLM spend against the daily ceiling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			spend, verdict := appInstance.DailySpend(cmd.Context(), provider)
			return printJSON(cmd.OutOrStdout(), budgetReport{
				Provider: provider,
				Tokens:   spend.Tokens,
				SpendUSD: spend.CostUSD,
				LimitUSD: verdict.LimitUSD,
				Exceeded: verdict.Exceeded,
				Reason:   verdict.Reason,
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "LLM provider (defaults to budget.provider)")
	return cmd
}
