package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/cometd/internal/errors"
	"github.com/vango-dev/cometd/pkg/bayeux"
)

// line is one message as printed by subscribe.
type line struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
	Ext     map[string]any  `json:"ext,omitempty"`
}

func subscribeCmd(flags *globalFlags) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "subscribe <channel>...",
		Short: "Print messages published on channels",
		Long: `Subscribe to one or more channels and print every message as a JSON
line on standard output. Wildcards are allowed.

Examples:
  cometd subscribe --url http://localhost:8080/cometd /chat/room
  cometd subscribe -u http://localhost:8080/cometd '/stocks/**' --count 10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSubscribe(ctx, flags, args, count, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages (0: run until interrupted)")

	return cmd
}

func runSubscribe(ctx context.Context, flags *globalFlags, channels []string, count int, out io.Writer) error {
	for _, ch := range channels {
		if !bayeux.ValidChannel(ch) || bayeux.IsMeta(ch) {
			return errors.New("U001").WithSubject(ch)
		}
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	s, err := dial(ctx, flags, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	confirmed := make(chan error, len(channels))
	sub, err := s.client.AddListener(bayeux.MetaSubscribe, func(m *bayeux.Message) {
		if m.IsSuccessful() {
			confirmed <- nil
			return
		}
		confirmed <- errors.New("P003").WithSubject(m.Subscription).WithDetail(m.Error)
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	received := 0
	onMessage := func(m *bayeux.Message) {
		if ctx.Err() != nil {
			return
		}
		if err := enc.Encode(line{Channel: m.Channel, Data: m.Data, Ext: m.Ext}); err != nil {
			warn("write: %v", err)
		}
		received++
		if count > 0 && received >= count {
			cancel()
		}
	}

	for _, ch := range channels {
		if _, err := s.client.Subscribe(ch, onMessage, nil); err != nil {
			return errors.New("U001").WithSubject(ch).Wrap(err)
		}
	}
	for range channels {
		select {
		case err := <-confirmed:
			if err != nil {
				return err
			}
		case err := <-s.errs:
			return errors.FromError(err, "T001")
		case <-ctx.Done():
			return nil
		}
	}
	_ = s.client.RemoveListener(sub)
	success("subscribed to %d channel(s) as %s", len(channels), s.client.ClientID())

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.errs:
		return errors.FromError(err, "T001")
	}
}
