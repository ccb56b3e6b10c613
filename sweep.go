package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired cache entries now",
		Long: `Delete every cache entry past its TTL from the durable store.

The background loop sweeps periodically; this forces a pass, e.g. before
backing up the database file.`,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close()

	removed, err := eng.Sweep(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Removed %d expired entries.\n", removed)

	return nil
}
