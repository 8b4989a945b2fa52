package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagConfigPath string
	flagTokensPath string
	flagRulesPath  string
	flagLogLevel   string
)

// rootCmd is the base command for the treasuryrun CLI
var rootCmd = &cobra.Command{
	Use:   "treasuryrun",
	Short: "treasuryrun price-driven treasury automation",
	Long: `treasuryrun consolidates USD prices for configured crypto assets from
heterogeneous sources (Chainlink-style feeds, Pyth, Uniswap v3 TWAPs) and
rebalances funds between hot and cold wallets when price rules fire.

Use 'treasuryrun run' to start the full pipeline, or 'treasuryrun
consolidate <token>' for a one-shot aggregation.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(flagLogLevel)
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("treasuryrun - price-driven treasury automation")
		fmt.Println("Use 'treasuryrun run' to start the pipeline")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "config/config.yaml", "Path to app configuration")
	rootCmd.PersistentFlags().StringVar(&flagTokensPath, "tokens", "config/tokens.yaml", "Path to token configuration")
	rootCmd.PersistentFlags().StringVar(&flagRulesPath, "rules", "config/rules.yaml", "Path to balancer rules")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
