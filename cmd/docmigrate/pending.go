package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPendingCommand(ctx context.Context, o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List the defined migration versions that have not completed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := o.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			pending, err := e.migrator.ListPending(e.ctx)
			if err != nil {
				return err
			}
			for _, v := range pending {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
}
