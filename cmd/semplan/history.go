package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semplan/config"
	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/versions"
)

// recordReader reads back what the recording sink stored.
type recordReader interface {
	HITLEvents(ctx context.Context, planID string) ([]*workflow.HITLEvent, error)
	PendingHITL(ctx context.Context) ([]*workflow.HITLEvent, error)
	Results(ctx context.Context, planID string) ([]*workflow.ExecutionResult, error)
}

var errNoHistory = errors.New("memory storage keeps no history; use --storage nats or postgres")

// openRecords connects only what the configured backend needs to read
// stored records.
func openRecords(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		return nil, errNoHistory
	}
	app, err := NewApp(cfg, cfg.Log.NewLogger(io.Discard))
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == config.BackendNATS {
		if err := app.startNATS(ctx); err != nil {
			app.Shutdown(5 * time.Second)
			return nil, fmt.Errorf("start NATS: %w", err)
		}
	}
	if err := app.openStorage(ctx); err != nil {
		app.Shutdown(5 * time.Second)
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	return app, nil
}

func withRecords(cmd *cobra.Command, flags runFlags, fn func(ctx context.Context, app *App) error) error {
	cfg, err := loadConfig(flags, cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := openRecords(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer app.Shutdown(5 * time.Second)
	return fn(cmd.Context(), app)
}

// showPending lists every pending HITL event across plans.
func showPending(ctx context.Context, out io.Writer, records recordReader) error {
	evs, err := records.PendingHITL(ctx)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		fmt.Fprintln(out, "No pending events")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tPLAN\tTODO\tTYPE\tREQUESTED\tEXPIRES\tPROMPT")
	for _, ev := range evs {
		expires := "never"
		if d, ok := ev.Deadline(); ok {
			expires = d.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.PlanID, dash(ev.TodoID), ev.Type,
			ev.RequestedAt.UTC().Format(time.RFC3339), expires, ev.Prompt)
	}
	return tw.Flush()
}

// showHistory prints a plan's versions, HITL events and execution results.
func showHistory(ctx context.Context, out io.Writer, vs versions.Store, records recordReader, planID string) error {
	all, err := vs.List(ctx, planID)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownPlan, planID)
	}
	evs, err := records.HITLEvents(ctx, planID)
	if err != nil {
		return err
	}
	results, err := records.Results(ctx, planID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Plan %s\n\nVERSION\tCHANGE\tTODOS\tCREATED\tREASON\n", planID)
	var prev *workflow.PlanVersion
	for _, v := range all {
		reason := v.Reason
		if prev != nil {
			reason = fmt.Sprintf("%s (%s)", reason, versions.Compare(prev, v).Summary())
		}
		fmt.Fprintf(tw, "v%d\t%s\t%d\t%s\t%s\n",
			v.Number, v.ChangeType, len(v.Todos), v.CreatedAt.UTC().Format(time.RFC3339), reason)
		prev = v
	}

	fmt.Fprintf(tw, "\nEVENT\tTODO\tTYPE\tSTATUS\tDECISION\tRESPONDER\n")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID, dash(ev.TodoID), ev.Type, ev.Status, dash(string(ev.Decision)), dash(ev.Responder))
	}

	fmt.Fprintf(tw, "\nTODO\tATTEMPT\tOUTCOME\tDURATION\tERROR\n")
	for _, res := range results {
		outcome := "ok"
		if !res.Success {
			outcome = string(res.Reason)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			res.TodoID, res.Attempt, dash(outcome), res.Duration().Round(time.Millisecond), dash(res.Error))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
