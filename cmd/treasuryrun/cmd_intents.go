package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var intentsLimit int

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "List recent transfer intents (the audit trail)",
	RunE:  runIntents,
}

func init() {
	rootCmd.AddCommand(intentsCmd)
	intentsCmd.Flags().IntVar(&intentsLimit, "limit", 50, "Maximum intents to list")
}

func runIntents(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	intents, err := d.intents.List(ctx, intentsLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIRED\tRULE\tDIRECTION\tAMOUNT\tSTATUS\tTX")
	for _, it := range intents {
		tx := it.TxHash
		if tx == "" {
			tx = it.ProposalHash
		}
		fmt.Fprintf(w, "%s\t%s\t%s -> %s\t%s\t%s\t%s\n",
			time.Unix(it.FiredAt, 0).UTC().Format(time.RFC3339),
			it.RuleID, it.From, it.To,
			it.AmountUnits.String(), it.Status, tx)
	}
	return w.Flush()
}
