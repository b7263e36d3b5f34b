package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	outputJSON bool
	rootCmd    = &cobra.Command{
		Use:   "settlementctl",
		Short: "IAO settlement operator CLI",
		Long: `settlementctl runs the token distribution pipeline in-process against the
configured stores and chain. Start and retry block until the attempt reaches a
terminal status; read commands print the persisted attempt history.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default $SETTLEMENT_CONFIG or configs/settlement.json)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
