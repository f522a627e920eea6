package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"momobot/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bot",
		Short:         "Intraday momentum trading services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(scannerCmd())
	rootCmd.AddCommand(buyerCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(sellerCmd())
	rootCmd.AddCommand(premarketCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
