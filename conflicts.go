package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markbook/markbook-go/internal/engine"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve conflicts parked for manual review",
	}

	cmd.AddCommand(newConflictsListCmd())
	cmd.AddCommand(newConflictsResolveCmd())

	return cmd
}

func newConflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List parked conflicts",
		RunE:  runConflictsList,
	}
}

func newConflictsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id> <keep-local|keep-remote>",
		Short: "Apply a decision to a parked conflict",
		Long: `Resolve a parked conflict with an explicit decision.

keep-local resubmits the device's version with a fresh retry budget;
keep-remote abandons it and adopts the server's version as synced truth.`,
		Args: cobra.ExactArgs(2),
		RunE: runConflictsResolve,
	}
}

// conflictItem is the machine-readable form of one parked conflict.
type conflictItem struct {
	ID               string `json:"id"`
	EntityType       string `json:"entity_type"`
	CorrelationKey   string `json:"correlation_key"`
	DetectedAt       string `json:"detected_at"`
	RemoteModifiedAt string `json:"remote_modified_at"`
	LocalPayload     string `json:"local_payload"`
	RemotePayload    string `json:"remote_payload"`
}

func runConflictsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close()

	conflicts, err := eng.ManualConflicts(ctx)
	if err != nil {
		return err
	}

	items := make([]conflictItem, 0, len(conflicts))
	for _, c := range conflicts {
		items = append(items, conflictItem{
			ID:               c.ID,
			EntityType:       c.EntityType,
			CorrelationKey:   c.CorrelationKey,
			DetectedAt:       formatNano(c.DetectedAt),
			RemoteModifiedAt: formatNano(c.RemoteModifiedAt),
			LocalPayload:     string(c.LocalPayload),
			RemotePayload:    string(c.RemotePayload),
		})
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Println("No parked conflicts.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tKEY\tDETECTED\tREMOTE MODIFIED")

	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			it.ID, it.EntityType, it.CorrelationKey, it.DetectedAt, it.RemoteModifiedAt)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println("\nRun with --json to see both payloads side by side.")

	return nil
}

// decisionAliases maps CLI spellings to engine decisions.
var decisionAliases = map[string]engine.Decision{
	"keep-local":  engine.DecisionKeepLocal,
	"keep_local":  engine.DecisionKeepLocal,
	"keep-remote": engine.DecisionKeepRemote,
	"keep_remote": engine.DecisionKeepRemote,
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	decision, ok := decisionAliases[args[1]]
	if !ok {
		return fmt.Errorf("decision must be keep-local or keep-remote, got %q", args[1])
	}

	eng, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close()

	err = eng.ResolveManualConflict(ctx, args[0], decision)

	switch {
	case errors.Is(err, engine.ErrConflictNotFound):
		return fmt.Errorf("no conflict with ID %s", args[0])
	case err != nil:
		return err
	}

	fmt.Printf("Resolved %s (%s); run 'markbook drain' to dispatch.\n", args[0], args[1])

	return nil
}
