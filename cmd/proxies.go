package cmd

import (
	"github.com/spf13/cobra"
)

func newProxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Proxy pool tools",
	}
	cmd.AddCommand(newProxiesCheckCmd())
	return cmd
}

func newProxiesCheckCmd() *cobra.Command {
	var urls []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the proxy pool and list the healthy members",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			checked, healthy := appInstance.CheckProxies(cmd.Context(), urls)
			if healthy == nil {
				healthy = []string{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"checked": len(checked),
				"healthy": healthy,
			})
		},
	}
	cmd.Flags().StringSliceVar(&urls, "proxy", nil, "proxy URL to probe (repeatable; defaults to proxy.urls)")
	return cmd
}
