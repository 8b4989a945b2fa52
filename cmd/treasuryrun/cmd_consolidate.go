package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var consolidateTimeout time.Duration

var consolidateCmd = &cobra.Command{
	Use:   "consolidate <token>",
	Short: "Run one aggregation pass for a token and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsolidate,
}

func init() {
	rootCmd.AddCommand(consolidateCmd)
	consolidateCmd.Flags().DurationVar(&consolidateTimeout, "timeout", 30*time.Second, "Overall deadline for the run")
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), consolidateTimeout)
	defer cancel()

	cp, err := d.agg.Consolidate(ctx, args[0])
	if err != nil {
		return err
	}

	out := map[string]any{
		"token_id": cp.TokenID,
		"price":    cp.Price.String(),
		"decimals": cp.Decimals,
		"at":       cp.At,
		"mode":     string(cp.Mode),
		"sources":  len(cp.SourcesUsed),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
