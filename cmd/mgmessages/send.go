package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	messages "github.com/millegrilles/messages-go"
	"github.com/millegrilles/messages-go/internal/jsoncodec"
	"github.com/millegrilles/messages-go/messaging"
	"github.com/spf13/cobra"
)

// routeFlags select where a message goes
type routeFlags struct {
	exchange  string
	partition string
	version   int
}

func (r *routeFlags) register(cmd *cobra.Command, defaultExchange string) {
	cmd.Flags().StringVarP(&r.exchange, "exchange", "e", defaultExchange, "Exchange to publish to")
	cmd.Flags().StringVarP(&r.partition, "partition", "p", "", "Routing key partition")
	cmd.Flags().IntVar(&r.version, "version", 1, "Message version")
}

func (r *routeFlags) route(domain, action string) messaging.Route {
	return messaging.Route{Domain: domain, Action: action, Partition: r.partition, Version: r.version}
}

func newRequestCommand(flags *globalFlags) *cobra.Command {
	var (
		route   routeFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request <domain> <action> [json]",
		Short: "Send a request and print the reply",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[2:])
			if err != nil {
				return err
			}

			return withClient(cmd.Context(), flags, func(ctx context.Context, client *messages.Client) error {
				reply, err := client.Producer().ExecuteRequest(ctx, payload,
					route.route(args[0], args[1]), route.exchange, messaging.Timeout(timeout))
				if err != nil {
					return err
				}
				return printReply(cmd.OutOrStdout(), reply)
			})
		},
	}

	route.register(cmd, "2.prive")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", messaging.DefaultRequestTimeout, "Time to wait for the reply")
	return cmd
}

func newEventCommand(flags *globalFlags) *cobra.Command {
	var route routeFlags

	cmd := &cobra.Command{
		Use:   "event <domain> <action> [json]",
		Short: "Emit an event",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[2:])
			if err != nil {
				return err
			}

			return withClient(cmd.Context(), flags, func(ctx context.Context, client *messages.Client) error {
				producer := client.Module().Producer()
				if err := client.Producer().EmitEvent(ctx, payload, route.route(args[0], args[1]), route.exchange); err != nil {
					return err
				}

				select {
				case <-producer.Drained():
					fmt.Fprintln(cmd.OutOrStdout(), "event sent")
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		},
	}

	route.register(cmd, "1.public")
	return cmd
}

// withClient connects a client, runs its loops in the background and closes it after fn
func withClient(parent context.Context, flags *globalFlags, fn func(ctx context.Context, client *messages.Client) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	client, err := messages.NewClient(cfg, messages.WithLogger(flags.logger()))
	if err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(runCtx)
	}()

	var fnErr error
	if err := client.Module().AwaitReady(ctx, cfg.Messaging.ReadyTimeout); err != nil {
		fnErr = err
	} else {
		fnErr = fn(ctx, client)
	}

	cancel()
	runErr := <-done

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	return errors.Join(fnErr, runErr, client.Close(closeCtx))
}

// parsePayload decodes the optional JSON object argument
func parsePayload(args []string) (map[string]any, error) {
	if len(args) == 0 || args[0] == "" {
		return map[string]any{}, nil
	}
	payload, err := jsoncodec.UnmarshalMap([]byte(args[0]))
	if err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func printReply(w io.Writer, reply *messaging.Message) error {
	if reply == nil {
		return errors.New("no reply")
	}
	body, err := jsoncodec.UnmarshalMap(reply.Body)
	if err != nil {
		// Not JSON, print as received
		_, err = fmt.Fprintln(w, string(reply.Body))
		return err
	}
	return jsoncodec.Encode(w, body)
}
