package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/n8n-usage-sync/internal/ledger"
	"github.com/vnmchuo/n8n-usage-sync/internal/pipeline"
)

var (
	syncWorkflowID   string
	syncForce        bool
	syncDebug        bool
	syncVerbose      bool
	syncLookbackDays int
	syncDate         string
	syncDryRun       bool
	syncSource       string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Fetch executions of the AI-tagged workflows (or of --workflow), extract
OpenAI usage, price it and upsert it into the ledger. With --dry-run the rows
are kept in memory and printed instead.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncWorkflowID, "workflow", "", "Only sync this workflow ID")
	syncCmd.Flags().BoolVar(&syncForce, "force", true, "Bypass the cached workflow definitions")
	syncCmd.Flags().BoolVar(&syncDebug, "debug", false, "Log every extracted record")
	syncCmd.Flags().BoolVar(&syncVerbose, "verbose", false, "Report per-workflow stats")
	syncCmd.Flags().IntVar(&syncLookbackDays, "lookback-days", 0, "Only executions of the last N days (0 uses SYNC_LOOKBACK_DAYS, -1 disables)")
	syncCmd.Flags().StringVar(&syncDate, "date", "", "Only executions started on this UTC day (YYYY-MM-DD)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Do not write to Postgres; print the extracted rows")
	syncCmd.Flags().StringVar(&syncSource, "source", "cli", "Trigger name stored in record metadata")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{ledger: true, dryRun: syncDryRun, redis: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.cfg.RequireN8N(); err != nil {
		return err
	}

	stats, err := a.service.Run(ctx, pipeline.Options{
		WorkflowID:   syncWorkflowID,
		ForceSync:    syncForce,
		Debug:        syncDebug,
		Verbose:      syncVerbose,
		LookbackDays: syncLookbackDays,
		Date:         syncDate,
		Source:       syncSource,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]any{"stats": stats}
		if mem, ok := a.store.(*ledger.MemoryStore); ok {
			out["records"] = mem.Records()
		}
		return printJSON(out)
	}

	printStats(stats)
	if mem, ok := a.store.(*ledger.MemoryStore); ok {
		printRecords(mem.Records())
	}
	return nil
}

func printStats(s *pipeline.Stats) {
	fmt.Printf("Run %s\n", s.RunID)
	fmt.Printf("  workflows:  %d (%d AI nodes)\n", s.WorkflowsProcessed, s.AINodes)
	fmt.Printf("  executions: %d over %d pages\n", s.ExecutionsProcessed, s.PagesProcessed)
	fmt.Printf("  records:    %d extracted, %d estimated\n", s.RecordsExtracted, s.RecordsEstimated)
	fmt.Printf("  ledger:     %d inserted, %d updated, %d failed\n", s.Inserted, s.Updated, s.Failed)
	fmt.Printf("  usage:      %d tokens, $%.6f\n", s.TotalTokens, s.TotalCost)
	if s.Errors > 0 || s.Incomplete {
		fmt.Printf("  errors:     %d (incomplete: %v)\n", s.Errors, s.Incomplete)
	}
	for _, f := range s.Failures {
		fmt.Printf("  failed %s: %s\n", f.Key, f.Error)
	}
	for _, w := range s.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	for _, wf := range s.Workflows {
		fmt.Printf("  - %s %q: %d executions, %d records\n", wf.WorkflowID, wf.WorkflowName, wf.Executions, wf.Records)
	}
}

func printRecords(records []ledger.UsageRecord) {
	if len(records) == 0 {
		return
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nTIMESTAMP\tWORKFLOW\tEXECUTION\tNODE\tMODEL\tPROMPT\tCOMPLETION\tTOTAL\tCOST\tESTIMATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.6f\t%v\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.WorkflowID, r.ExecutionID, r.NodeName, r.Model,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.EstimatedCost, r.IsEstimated)
	}
	w.Flush()
}
