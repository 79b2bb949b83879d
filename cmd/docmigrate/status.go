package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/migration"
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx context.Context, o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the ledger status of every defined migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := o.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			migrations, err := e.migrator.List(e.ctx)
			if err != nil {
				return err
			}
			writeStatus(cmd.OutOrStdout(), migrations, e.clock.Now())
			return nil
		},
	}
}

func writeStatus(w io.Writer, migrations []migration.Migration, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tPROCESSED\tUPDATED\tDESCRIPTION")
	for _, m := range migrations {
		processed, updated := "-", "-"
		if m.Entry != nil {
			processed = humanize.Comma(int64(m.Entry.Processed))
			at := m.Entry.HeartbeatAt
			if m.Entry.Status == docmigrate.StatusCompleted && m.Entry.AppliedAt != nil {
				at = *m.Entry.AppliedAt
			}
			updated = humanize.RelTime(at, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Version, m.Status, processed, updated, m.Description)
	}
	_ = tw.Flush()

	for _, m := range migrations {
		if m.Entry == nil || m.Entry.Status != docmigrate.StatusFailed {
			continue
		}
		fmt.Fprintf(w, "%s failed: %s\n", m.Version, m.Entry.Reason)
		for _, f := range m.Entry.FailedDocuments {
			fmt.Fprintf(w, "  document %s: %s\n", f.ID, f.Reason)
		}
	}
}
