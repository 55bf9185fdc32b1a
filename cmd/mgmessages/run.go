package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	messages "github.com/millegrilles/messages-go"
	"github.com/millegrilles/messages-go/config"
	"github.com/millegrilles/messages-go/health"
	"github.com/millegrilles/messages-go/interceptors"
	"github.com/millegrilles/messages-go/messaging"
	"github.com/millegrilles/messages-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		queue       string
		bindings    []string
		exchanges   []string
		prefetch    int
		metricsAddr string
		accept      []string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume a queue and answer requests",
		Long: `Declare a queue with its bindings, log every message received and reply
{"ok": true} to messages carrying a reply queue. --accept restricts the
handled routing keys with topic patterns such as requete.*.ping. Metrics are served on /metrics
and the module state on /healthz.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if queue == "" {
				// An empty name would make the consumer a second reply queue
				return errors.New("--queue is required")
			}

			parsed, err := parseBindings(bindings)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Address = metricsAddr
			}

			registry := prometheus.NewRegistry()
			collector, err := metrics.NewPrometheusCollector(registry, cfg.Metrics.Namespace)
			if err != nil {
				return err
			}

			logger := flags.logger()
			client, err := messages.NewClient(cfg,
				messages.WithLogger(logger),
				messages.WithMetrics(collector),
				messages.WithExchanges(exchangeConfigurations(exchanges)...),
			)
			if err != nil {
				return err
			}

			var producer *messaging.FormattingProducer
			callback := callbackChain(logger, accept, timeout).Wrap(func(ctx context.Context, msg *messaging.Message, module *messaging.Module) error {
				if msg.ReplyTo == "" {
					return nil
				}
				return producer.Reply(ctx, map[string]any{"ok": true}, msg.ReplyTo, msg.CorrelationID, 1)
			})
			resource := messaging.NewConsumptionResource(queue, callback,
				messaging.WithPrefetch(prefetch), messaging.WithDurable(true))
			for _, binding := range parsed {
				if err := resource.AddBinding(binding.Exchange, binding.RoutingKey); err != nil {
					return err
				}
			}
			client.AddConsumer(resource)
			producer = client.Producer()

			server := &http.Server{
				Addr:              cfg.Metrics.Address,
				Handler:           metricsHandler(registry, client.Module()),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server stopped", "error", err)
				}
			}()

			if err := client.Connect(ctx); err != nil {
				return err
			}

			runErr := client.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return errors.Join(runErr, client.Close(shutdownCtx), server.Shutdown(shutdownCtx))
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to declare and consume")
	cmd.Flags().StringArrayVarP(&bindings, "bind", "b", nil, "Binding as exchange:routingKey, repeatable")
	cmd.Flags().StringSliceVar(&exchanges, "declare-exchange", nil, "Topic exchanges to declare on connect")
	cmd.Flags().IntVar(&prefetch, "prefetch", 1, "Messages the broker may deliver ahead")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address, overrides the configuration")
	cmd.Flags().StringSliceVar(&accept, "accept", nil, "Only handle routing keys matching these topic patterns")
	cmd.Flags().DurationVar(&timeout, "handler-timeout", 0, "Abandon a message after this duration, 0 to wait")
	return cmd
}

// callbackChain logs every message, then applies the optional routing filter and timeout
func callbackChain(logger *slog.Logger, accept []string, timeout time.Duration) *interceptors.InterceptorChain {
	builder := interceptors.NewChainBuilder(logger).WithLogging()
	if len(accept) > 0 {
		builder.WithFilter(interceptors.NewRoutingKeyFilter(accept...), interceptors.SkipWithLog)
	}
	if timeout > 0 {
		builder.WithTimeout(timeout)
	}
	return builder.Build()
}

func metricsHandler(registry *prometheus.Registry, module *messaging.Module) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.Handle("/healthz", health.NewHandler(health.NewRegistry(health.NewModuleChecker(module)), 5*time.Second))
	return mux
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.idmg != "" {
		cfg.IDMG = flags.idmg
	}
	return cfg, nil
}

// parseBindings reads exchange:routingKey pairs. The routing key may contain ':'.
func parseBindings(values []string) ([]messaging.Binding, error) {
	bindings := make([]messaging.Binding, 0, len(values))
	for _, value := range values {
		exchange, routingKey, ok := strings.Cut(value, ":")
		if !ok || exchange == "" || routingKey == "" {
			return nil, fmt.Errorf("invalid binding %q, expected exchange:routingKey", value)
		}
		bindings = append(bindings, messaging.Binding{Exchange: exchange, RoutingKey: routingKey})
	}
	return bindings, nil
}

func exchangeConfigurations(names []string) []messaging.ExchangeConfiguration {
	exchanges := make([]messaging.ExchangeConfiguration, 0, len(names))
	for _, name := range names {
		exchanges = append(exchanges, messaging.ExchangeConfiguration{Name: name, Type: "topic"})
	}
	return exchanges
}
