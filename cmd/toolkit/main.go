package main

import (
	"github.com/spf13/cobra"
)

var cliName = "toolkit"

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "toolkit is a CLI for orderbook operators",
	Long:  `toolkit is a CLI for orderbook operators executing mundane tasks`,
	Args:  cobra.ExactArgs(0),
}

func main() {
	rootCmd.Execute() //nolint
}

func init() {
	rootCmd.PersistentFlags().String("db-uri", "", "Postgres URI of the orderbook database")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address of the job queues")

	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(fixBlockCmd)
}
