package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventroute/pkg/eventroute/channel"
	"github.com/randalmurphal/eventroute/pkg/eventroute/config"
	"github.com/randalmurphal/eventroute/pkg/eventroute/deadletter"
	"github.com/randalmurphal/eventroute/pkg/eventroute/router"
)

var drainCmd = &cobra.Command{
	Use:   "drain <channel>",
	Short: "Print and remove a channel's dead-letter records",
	Long: `Drain prints every dead-letter record of a channel as one JSON line and
removes it from the sink. Use "` + deadletter.RouterChannel + `" for records the
router wrote itself (unroutable channels, panics).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, logger, err := loadTopology()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		rt, err := config.Build(ctx, t, config.BuildOptions{Logger: logger})
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, rt.Close(ctx)) }()

		sink, err := drainSink(rt, args[0])
		if err != nil {
			return err
		}

		n := 0
		out := cmd.OutOrStdout()
		for rec, err := range rt.Router.Drain(ctx, args[0]) {
			if err != nil {
				return err
			}
			line, err := json.Marshal(rec)
			if err == nil {
				_, err = out.Write(append(line, '\n'))
			}
			if err != nil {
				// Drain already removed rec; put it back before giving up.
				if rerr := sink.Record(context.WithoutCancel(ctx), rec); rerr != nil {
					err = errors.Join(err, fmt.Errorf("restore record %s: %w", rec.ID, rerr))
				}
				return fmt.Errorf("write record: %w", err)
			}
			n++
		}
		logger.Info("drained", "channel_id", args[0], "records", n)
		return nil
	},
}

// drainSink returns the sink Router.Drain reads for channelID.
func drainSink(rt *config.Runtime, channelID string) (deadletter.Sink, error) {
	if channelID == deadletter.RouterChannel {
		return rt.DeadLetters, nil
	}
	ch, ok := rt.Router.Channel(channelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", router.ErrUnknownChannel, channelID)
	}
	if ch.DeadLetters() == nil {
		return nil, fmt.Errorf("channel %s: %w", channelID, channel.ErrNoDeadLetterSink)
	}
	return ch.DeadLetters(), nil
}
