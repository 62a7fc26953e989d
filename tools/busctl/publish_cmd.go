package main

import (
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/activitybus/libs/eventbus"
	"github.com/md-rashed-zaman/activitybus/libs/events"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	EntityID      string
	EntityName    string
	CorrelationID string
	Count         int
}

func newPublishCmd(a *app) *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish <event-type>",
		Short: "Publish a generic activity event (smoke test)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := events.ValidateType(args[0]); err != nil {
				return err
			}
			if opts.Count < 1 {
				return errors.New("--count must be at least 1")
			}
			ctx, cancel, conn, s, err := a.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer conn.Close()

			pub := eventbus.NewPublisher(conn, a.logger, eventbus.PublisherOptions{Topology: s.topology(), AppID: "busctl"})
			if err := pub.Start(ctx); err != nil {
				return err
			}
			defer pub.Close()

			var pubOpts []eventbus.PublishOption
			if opts.CorrelationID != "" {
				pubOpts = append(pubOpts, eventbus.WithCorrelationID(opts.CorrelationID))
			}
			for i := 0; i < opts.Count; i++ {
				ev := events.NewActivity(args[0], opts.EntityID, opts.EntityName)
				if err := pub.Publish(ctx, ev, pubOpts...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s id=%s key=%s\n", ev.EventType(), ev.EventID(), events.RoutingKey(ev.EventType()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "entity id carried by the event")
	cmd.Flags().StringVar(&opts.EntityName, "entity-name", "", "entity name carried by the event")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation id (defaults to the event id)")
	cmd.Flags().IntVar(&opts.Count, "count", 1, "number of events to publish")
	return cmd
}
