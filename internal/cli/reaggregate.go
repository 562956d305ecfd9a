package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reaggregateCmd = &cobra.Command{
	Use:   "reaggregate",
	Short: "Rebuild the daily usage roll-ups from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{ledger: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Reaggregate(cmd.Context()); err != nil {
			return err
		}
		n, err := a.store.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("daily roll-ups rebuilt from %d ledger rows\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reaggregateCmd)
}
