package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and conflict counts",
		Long: `Display the sync state of the local database.

Shows how many local writes await sync, how many exhausted their retries,
and how many conflicts are parked for a manual decision. Reads local state
only and never touches the network.`,
		RunE: runStatus,
	}
}

// statusReport is the machine-readable form of the status output.
type statusReport struct {
	StorePath       string `json:"store_path"`
	PendingSync     int    `json:"pending_sync"`
	DeadLetters     int    `json:"dead_letters"`
	ManualConflicts int    `json:"manual_conflicts"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close()

	pending, err := eng.PendingSyncCount(ctx)
	if err != nil {
		return err
	}

	dead, err := eng.DeadLetterItems(ctx)
	if err != nil {
		return err
	}

	conflicts, err := eng.ManualConflicts(ctx)
	if err != nil {
		return err
	}

	report := statusReport{
		StorePath:       rootCfg.StorePath,
		PendingSync:     pending,
		DeadLetters:     len(dead),
		ManualConflicts: len(conflicts),
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	fmt.Printf("Store:            %s\n", report.StorePath)
	fmt.Printf("Pending sync:     %d\n", report.PendingSync)
	fmt.Printf("Dead letters:     %d\n", report.DeadLetters)
	fmt.Printf("Manual conflicts: %d\n", report.ManualConflicts)

	if report.DeadLetters > 0 {
		fmt.Println("\nRun 'markbook deadletter list' to inspect failed writes.")
	}

	if report.ManualConflicts > 0 {
		fmt.Println("Run 'markbook conflicts list' to review parked conflicts.")
	}

	return nil
}
