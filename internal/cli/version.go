package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vnmchuo/n8n-usage-sync/internal/telemetry"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of usage-sync",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("usage-sync version %s\n", telemetry.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
