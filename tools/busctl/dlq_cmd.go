package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/md-rashed-zaman/activitybus/libs/eventbus"
	"github.com/spf13/cobra"
)

func newDLQCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered events",
	}

	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show dead-lettered messages without removing them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, conn, s, err := a.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer conn.Close()

			letters, err := eventbus.PeekDeadLetters(ctx, conn, s.topology(), listLimit)
			if err != nil {
				return err
			}
			return printDeadLetters(cmd.OutOrStdout(), s.Output, letters)
		},
	}
	list.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum messages to show")

	var replayLimit int
	var yes bool
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Republish dead-lettered messages to the primary exchange with a fresh retry budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("replay moves messages out of the dead-letter queue; pass --yes to confirm")
			}
			ctx, cancel, conn, s, err := a.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer conn.Close()

			n, err := eventbus.ReplayDeadLetters(ctx, conn, s.topology(), replayLimit, a.logger)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d message(s) from %s\n", n, s.topology().DeadLetterQueue())
			return err
		},
	}
	replay.Flags().IntVarP(&replayLimit, "limit", "n", 50, "maximum messages to replay")
	replay.Flags().BoolVar(&yes, "yes", false, "confirm the replay")

	cmd.AddCommand(list, replay)
	return cmd
}

func printDeadLetters(w io.Writer, format string, letters []eventbus.DeadLetter) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if letters == nil {
			letters = []eventbus.DeadLetter{}
		}
		return enc.Encode(letters)
	}

	if len(letters) == 0 {
		_, err := fmt.Fprintln(w, "dead-letter queue is empty")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT ID\tTYPE\tRETRIES\tCORRELATION\tTIMESTAMP")
	for _, l := range letters {
		ts := "-"
		if !l.Timestamp.IsZero() {
			ts = l.Timestamp.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", l.EventID, l.EventType, l.RetryCount, l.CorrelationID, ts)
	}
	return tw.Flush()
}
