package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTopologyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Manage exchanges and queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "declare",
		Short: "Declare the primary, retry and dead-letter triple (idempotent)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, conn, s, err := a.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer conn.Close()

			top := s.topology()
			if err := top.Declare(ctx, conn, a.logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "declared %s, %s (ttl %s), %s\n",
				top.Exchange(), top.RetryExchange(), s.RetryDelay, top.DeadLetterExchange())
			return nil
		},
	})
	return cmd
}
