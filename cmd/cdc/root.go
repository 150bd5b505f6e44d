// Command cdc is the PostgreSQL-to-StarRocks CDC relay executable.
// Grounded on cmd/pgo/root.go's cobra wiring.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cdc",
	Short: "dbmazz-cdc relays PostgreSQL logical replication into StarRocks",
	Long: `dbmazz-cdc subscribes to a PostgreSQL logical replication slot,
decodes pgoutput, batches row events, and ships them into StarRocks via
Stream Load, checkpointing LSNs and exposing a gRPC control surface.`,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
