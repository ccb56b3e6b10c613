package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/markbook/markbook-go/internal/queue"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and requeue writes that exhausted their retries",
	}

	cmd.AddCommand(newDeadLetterListCmd())
	cmd.AddCommand(newDeadLetterRequeueCmd())

	return cmd
}

func newDeadLetterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered writes",
		RunE:  runDeadLetterList,
	}
}

func newDeadLetterRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead letter back to the pending queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeadLetterRequeue,
	}
}

// deadLetterItem is the machine-readable form of one dead letter.
type deadLetterItem struct {
	ID             string `json:"id"`
	EntityType     string `json:"entity_type"`
	CorrelationKey string `json:"correlation_key"`
	Attempts       int    `json:"attempts"`
	EnqueuedAt     string `json:"enqueued_at"`
	LastError      string `json:"last_error"`
}

func runDeadLetterList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close()

	records, err := eng.DeadLetterItems(ctx)
	if err != nil {
		return err
	}

	items := make([]deadLetterItem, 0, len(records))
	for _, rec := range records {
		items = append(items, deadLetterItem{
			ID:             rec.ID,
			EntityType:     rec.EntityType,
			CorrelationKey: rec.CorrelationKey,
			Attempts:       rec.Attempts,
			EnqueuedAt:     formatNano(rec.EnqueuedAt),
			LastError:      rec.LastError,
		})
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Println("No dead letters.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tKEY\tATTEMPTS\tENQUEUED\tLAST ERROR")

	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.EntityType, it.CorrelationKey, it.Attempts, it.EnqueuedAt, it.LastError)
	}

	return w.Flush()
}

func runDeadLetterRequeue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close()

	err = eng.RequeueDeadLetter(ctx, args[0])

	switch {
	case errors.Is(err, queue.ErrSupersededByNewer):
		fmt.Println("A newer write for the same fact is already queued; the dead letter was discarded.")
		return nil
	case errors.Is(err, queue.ErrNotFound):
		return fmt.Errorf("no record with ID %s", args[0])
	case err != nil:
		return err
	}

	fmt.Printf("Requeued %s; run 'markbook drain' to dispatch it.\n", args[0])

	return nil
}

// formatNano renders an internal nanosecond timestamp for display.
func formatNano(n int64) string {
	if n == 0 {
		return "-"
	}

	return time.Unix(0, n).Format(time.RFC3339)
}
