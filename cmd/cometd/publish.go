package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/cometd/internal/errors"
	"github.com/vango-dev/cometd/pkg/bayeux"
)

func publishCmd(flags *globalFlags) *cobra.Command {
	var repeat int

	cmd := &cobra.Command{
		Use:   "publish <channel> <json>",
		Short: "Publish a JSON message",
		Long: `Publish a message on a channel and wait for the server to accept it.
The data must be valid JSON.

Examples:
  cometd publish --url http://localhost:8080/cometd /chat/room '"hello"'
  cometd publish -u http://localhost:8080/cometd /orders '{"id": 7}' --repeat 3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPublish(ctx, flags, args[0], args[1], repeat)
		},
	}

	cmd.Flags().IntVarP(&repeat, "repeat", "r", 1, "Publish the message this many times in one batch")

	return cmd
}

func runPublish(ctx context.Context, flags *globalFlags, channel, data string, repeat int) error {
	if !bayeux.ValidChannel(channel) || bayeux.IsMeta(channel) || bayeux.IsWild(channel) {
		return errors.New("U001").WithSubject(channel)
	}
	if !json.Valid([]byte(data)) {
		return errors.New("U002").WithSubject(data)
	}
	repeat = max(repeat, 1)

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	s, err := dial(ctx, flags, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	replies := make(chan *bayeux.Message, repeat)
	if _, err := s.client.AddListener(bayeux.MetaPublish, func(m *bayeux.Message) {
		if m.Channel == channel {
			replies <- m
		}
	}); err != nil {
		return err
	}

	var publishErr error
	if err := s.client.Batch(func() {
		for i := 0; i < repeat && publishErr == nil; i++ {
			publishErr = s.client.Publish(channel, json.RawMessage(data), nil)
		}
	}); err != nil {
		return err
	}
	if publishErr != nil {
		return errors.New("U001").WithSubject(channel).Wrap(publishErr)
	}

	timeout := time.NewTimer(replyTimeout(s.config))
	defer timeout.Stop()
	for i := 0; i < repeat; i++ {
		select {
		case m := <-replies:
			if !m.IsSuccessful() {
				if m.Failure != nil {
					return errors.New("T001").WithSubject(channel).Wrap(m.Failure)
				}
				return errors.New("P004").WithSubject(channel).WithDetail(m.Error)
			}
		case err := <-s.errs:
			return errors.FromError(err, "T001")
		case <-timeout.C:
			return errors.New("T002").WithSubject(channel)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	success("published %d message(s) on %s", repeat, channel)
	return nil
}
