package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "spot-exchange",
	Short: "Spot exchange matching engine",
	Long: `spot-exchange runs limit order books for <base><quote> symbols against one
quote asset, with REST, websocket and gRPC front ends.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
