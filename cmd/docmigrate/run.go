package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/kit/cli"
	"github.com/influxdata/docmigrate/logger"
	"github.com/influxdata/docmigrate/migration"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type runOptions struct {
	retryAttempts int
	retryDelay    time.Duration
	reclaim       bool
}

func newRunCommand(ctx context.Context, v *viper.Viper, o *options) (*cobra.Command, error) {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [version...]",
		Short: "Run the given migration versions, or every pending one",
		Long: `Run applies migration versions to the collection.

Without arguments every defined version is run in definition order and
completed versions are skipped. A version being applied by another process
is retried --retry-attempts times, --retry-delay apart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := o.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if ro.reclaim {
				if _, err := e.migrator.ReclaimStale(e.ctx); err != nil {
					return err
				}
			}

			versions := args
			if len(versions) == 0 {
				for _, s := range e.migrator.Steps() {
					versions = append(versions, s.Version())
				}
			}
			if len(versions) == 0 {
				return errors.New("no migrations defined, see --definitions")
			}

			var summaries []*migration.Summary
			defer func() {
				writeSummaries(cmd.OutOrStdout(), summaries)
			}()
			for _, version := range versions {
				summary, err := runWithRetry(e.ctx, ro, func(ctx context.Context) (*migration.Summary, error) {
					return e.migrator.Run(ctx, version)
				})
				if summary != nil {
					summaries = append(summaries, summary)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	opts := []cli.Opt{
		{
			DestP:   &ro.retryAttempts,
			Flag:    "retry-attempts",
			Default: 3,
			Desc:    "attempts per version while another process holds it",
		},
		{
			DestP:   &ro.retryDelay,
			Flag:    "retry-delay",
			Default: 30 * time.Second,
			Desc:    "delay between two attempts",
		},
		{
			DestP:   &ro.reclaim,
			Flag:    "reclaim-stale",
			Default: false,
			Desc:    "reclaim stale in progress versions before running",
		},
	}
	if err := cli.BindOptions(v, cmd, opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

// runWithRetry retries fn while the version is in progress elsewhere. The
// error returned is the one fn last returned, or the context error when ctx
// ended the retries.
func runWithRetry(ctx context.Context, ro *runOptions, fn func(context.Context) (*migration.Summary, error)) (*migration.Summary, error) {
	if ro.retryAttempts <= 1 {
		return fn(ctx)
	}
	if ro.retryDelay <= 0 {
		return nil, fmt.Errorf("invalid --retry-delay %s, must be positive", ro.retryDelay)
	}

	log := logger.FromContext(ctx)
	var (
		summary *migration.Summary
		lastErr error
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			summary, lastErr = fn(ctx)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !docmigrate.IsInProgress(err)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Info("Migration is in progress elsewhere, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", ro.retryDelay),
				zap.Error(err))
		},
		Attempts: ro.retryAttempts,
		Delay:    ro.retryDelay,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		return summary, nil
	case retry.IsRetryStopped(err) && ctx.Err() != nil:
		return summary, ctx.Err()
	case lastErr == nil:
		return summary, err
	}
	return summary, lastErr
}

func writeSummaries(w io.Writer, summaries []*migration.Summary) {
	if len(summaries) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tRESULT\tPROCESSED\tCHANGED\tFAILED\tTOOK")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Version,
			s.Result,
			humanize.Comma(int64(s.Processed)),
			humanize.Comma(int64(s.Changed)),
			humanize.Comma(int64(len(s.Failures))),
			s.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()

	for _, s := range summaries {
		for _, f := range s.Failures {
			fmt.Fprintf(w, "%s: document %s: %s\n", s.Version, f.ID, f.Reason)
		}
	}
}
