package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/cache"
	"github.com/mohammad-safakhou/council/internal/collab"
	"github.com/mohammad-safakhou/council/internal/queue/streams"
)

func tailCMD(cfgPath *string) *cobra.Command {
	var (
		runID  string
		from   string
		group  string
		name   string
		lag    bool
		asJSON bool
	)
	var tail = &cobra.Command{
		Use:   "tail",
		Short: "Follow run events published to the Redis event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Storage.Redis.Enabled() || cfg.Storage.Redis.EventsStream == "" {
				return errors.New("tail needs storage.redis and storage.redis.events_stream")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rdb, err := cache.Conn(ctx, cfg.Storage.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()
			schemas := streams.NewSchemaRegistry()
			if err := streams.RegisterBaseSchemas(schemas); err != nil {
				return err
			}
			stream := cfg.Storage.Redis.EventsStream
			out := cmd.OutOrStdout()
			sink := printer(out, asJSON)

			if lag {
				if group == "" {
					return errors.New("--lag needs --group")
				}
				m, err := streams.GroupLag(ctx, rdb, stream, group)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "group=%s pending=%d lag=%d consumers=%d oldest_idle=%s oldest_run=%s\n", group, m.Pending, m.Lag, m.Consumers, m.OldestIdle, m.OldestRunID)
				return nil
			}

			stop := func(ev collab.Event) error {
				if err := sink.Send(ctx, ev); err != nil {
					return err
				}
				if runID != "" && terminalEvent(ev.Type) {
					return errFollowDone
				}
				return nil
			}

			if group == "" {
				err = streams.NewTailer(rdb, schemas, stream).Follow(ctx, from, runID, stop)
			} else {
				err = consumeGroup(ctx, streams.NewConsumer(rdb, schemas, group, name), rdb, stream, group, runID, stop)
			}
			if errors.Is(err, errFollowDone) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	tail.Flags().StringVar(&runID, "run", "", "only show this run and stop at its terminal event")
	tail.Flags().StringVar(&from, "from", "$", "stream id to start after ($ = new events, 0 = everything)")
	tail.Flags().StringVar(&group, "group", "", "read through a consumer group, acknowledging entries")
	tail.Flags().StringVar(&name, "consumer", "council-cli", "consumer name inside --group")
	tail.Flags().BoolVar(&lag, "lag", false, "print the backlog of --group and exit")
	tail.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return tail
}

var errFollowDone = errors.New("run finished")

// terminalEvent reports the last event of a Begin or Resume call.
func terminalEvent(t collab.EventType) bool {
	switch t {
	case collab.EventDone, collab.EventError, collab.EventCancelled, collab.EventCheckpoint:
		return true
	}
	return false
}
