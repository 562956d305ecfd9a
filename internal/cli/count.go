package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
)

var (
	countWorkflowID string
	countDate       string
	countNoLimit    bool
)

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count the executions of a workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.cfg.RequireN8N(); err != nil {
			return err
		}

		res, err := a.fetcher.Fetch(cmd.Context(), n8n.FetchOptions{
			WorkflowID: countWorkflowID,
			Date:       countDate,
			Unlimited:  countNoLimit,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]any{
				"workflowId":      countWorkflowID,
				"date":            countDate,
				"count":           len(res.Executions),
				"totalExecutions": res.TotalFetched,
				"pagesProcessed":  res.PagesProcessed,
				"noLimit":         countNoLimit,
				"truncated":       res.Truncated,
				"incomplete":      res.Incomplete,
			})
		}

		fmt.Printf("%d executions (%d fetched over %d pages)\n", len(res.Executions), res.TotalFetched, res.PagesProcessed)
		if res.Truncated {
			fmt.Printf("stopped at the %d page limit, older executions were not counted\n", a.fetcher.MaxPages)
		}
		if res.Incomplete {
			fmt.Printf("incomplete: %v\n", res.Err)
		}
		return nil
	},
}

func init() {
	countCmd.Flags().StringVar(&countWorkflowID, "workflow", "", "Workflow ID (required)")
	countCmd.Flags().StringVar(&countDate, "date", "", "Only executions started on this UTC day (YYYY-MM-DD)")
	countCmd.Flags().BoolVar(&countNoLimit, "no-limit", false, "Follow pagination up to N8N_MAX_PAGES pages")
	_ = countCmd.MarkFlagRequired("workflow")
	rootCmd.AddCommand(countCmd)
}
