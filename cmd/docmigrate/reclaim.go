package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newReclaimCommand(ctx context.Context, o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Fail in progress migrations without a recent heartbeat so they can be retried",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := o.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			reclaimed, err := e.migrator.ReclaimStale(e.ctx)
			if err != nil {
				return err
			}
			for _, v := range reclaimed {
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %s\n", v)
			}
			return nil
		},
	}
}
