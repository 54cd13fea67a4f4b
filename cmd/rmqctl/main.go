package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	rmqclient "github.com/glimte/rmq-client"
	"github.com/glimte/rmq-client/config"
	"github.com/glimte/rmq-client/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// readyTimeout bounds how long a command waits for its subscriptions
const readyTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	url        string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rmqctl",
		Short: "Publish, consume and call over RabbitMQ",
		Long: `rmqctl drives the rmq client from the command line.
It publishes to exchanges, subscribes to them, feeds command queues and
makes or serves RPC calls.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides config and RMQ_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error, critical")

	rootCmd.AddCommand(
		newPublishCmd(flags),
		newSubscribeCmd(flags),
		newCommandCmd(flags),
		newRPCServerCmd(flags),
		newRPCCallCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

// newClient loads the configuration and builds a client from it
func newClient(flags *globalFlags) (*rmqclient.Client, *slog.Logger, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, nil, err
	}
	if flags.url != "" {
		cfg.URL = flags.url
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return rmqclient.NewClient(cfg.URL, cfg.ClientOptions(logger)...), logger, nil
}

// run starts a client, hands it to fn and stops it afterwards. SIGINT and
// SIGTERM cancel the context fn gets.
func run(flags *globalFlags, fn func(ctx context.Context, client *rmqclient.Client) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, logger, err := newClient(flags)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}

	fnErr := fn(ctx, client)
	if err := client.Stop(); err != nil {
		logger.Error("client stopped with error", "error", err)
		if fnErr == nil {
			fnErr = err
		}
	}
	if errors.Is(fnErr, context.Canceled) {
		return nil
	}
	return fnErr
}

// waitUntil polls ready until it holds, ctx is done or the timeout passes
func waitUntil(ctx context.Context, what string, ready func() bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(readyTimeout)

	for !ready() {
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("%s not ready after %s", what, readyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		exchangeType string
		routingKey   string
	)

	cmd := &cobra.Command{
		Use:   "publish <exchange> <message>",
		Short: "Publish a message to an exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, func(ctx context.Context, client *rmqclient.Client) error {
				confirmed := make(chan rmqclient.PublishConfirmation, 1)
				client.Producer().Observe(func(c rmqclient.PublishConfirmation) {
					if !c.Retrying {
						select {
						case confirmed <- c:
						default:
						}
					}
				})

				key, err := client.PublishTo(rmqclient.PublishParams{
					Exchange:     args[0],
					ExchangeType: exchangeType,
					RoutingKey:   routingKey,
				}, []byte(args[1]))
				if err != nil {
					return err
				}

				select {
				case c := <-confirmed:
					if c.Dropped {
						return fmt.Errorf("publish %s dropped after %d attempts", key, c.Attempts)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", key)
					return nil
				case <-time.After(readyTimeout):
					return fmt.Errorf("publish %s not confirmed after %s", key, readyTimeout)
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		},
	}
	cmd.Flags().StringVarP(&exchangeType, "type", "t", rmqclient.ExchangeFanout, "Exchange type: fanout, direct, topic")
	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "Routing key")
	return cmd
}

func newSubscribeCmd(flags *globalFlags) *cobra.Command {
	var (
		queue        string
		exchangeType string
		routingKey   string
	)

	cmd := &cobra.Command{
		Use:   "subscribe <exchange>",
		Short: "Print every message published to an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, func(ctx context.Context, client *rmqclient.Client) error {
				out := cmd.OutOrStdout()
				key, err := client.SubscribeTopology(rmqclient.Topology{
					Queue:        queue,
					Exchange:     args[0],
					ExchangeType: exchangeType,
					RoutingKey:   routingKey,
				}, func(m rmqclient.Message) {
					fmt.Fprintf(out, "[%s] %s: %s\n", m.SubscriptionKey, m.RoutingKey, m.Body)
				})
				if err != nil {
					return err
				}
				if err := waitUntil(ctx, "subscription "+key, func() bool { return client.IsConsumerReady(key) }); err != nil {
					return err
				}

				fmt.Fprintln(cmd.ErrOrStderr(), "Subscribed to", key, "- press Ctrl+C to stop")
				fmt.Fprintln(cmd.ErrOrStderr(), strings.Repeat("-", 40))
				<-ctx.Done()
				return ctx.Err()
			})
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to bind (server-named when empty)")
	cmd.Flags().StringVarP(&exchangeType, "type", "t", rmqclient.ExchangeFanout, "Exchange type: fanout, direct, topic")
	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "Routing key")
	return cmd
}

func newCommandCmd(flags *globalFlags) *cobra.Command {
	var listen bool

	cmd := &cobra.Command{
		Use:   "command <queue> [payload]",
		Short: "Send a command to a command queue, or listen on one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			return run(flags, func(ctx context.Context, client *rmqclient.Client) error {
				if listen {
					out := cmd.OutOrStdout()
					key, err := client.EnableCommandQueue(queue, func(b []byte) {
						fmt.Fprintf(out, "%s\n", b)
					})
					if err != nil {
						return err
					}
					if err := waitUntil(ctx, "command queue "+queue, func() bool { return client.IsConsumerReady(key) }); err != nil {
						return err
					}
					<-ctx.Done()
					return ctx.Err()
				}

				if len(args) < 2 {
					return fmt.Errorf("command needs a payload unless --listen is set")
				}
				confirmed := make(chan struct{}, 1)
				client.Producer().Observe(func(c rmqclient.PublishConfirmation) {
					if c.Ack || c.Dropped {
						select {
						case confirmed <- struct{}{}:
						default:
						}
					}
				})
				key, err := client.Command(queue, []byte(args[1]))
				if err != nil {
					return err
				}
				select {
				case <-confirmed:
					fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", key)
					return nil
				case <-time.After(readyTimeout):
					return fmt.Errorf("command %s not confirmed after %s", key, readyTimeout)
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&listen, "listen", "l", false, "Print commands arriving on the queue")
	return cmd
}

func newRPCServerCmd(flags *globalFlags) *cobra.Command {
	var upper bool

	cmd := &cobra.Command{
		Use:   "rpc-server <queue>",
		Short: "Answer RPC calls on a queue by echoing the request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, func(ctx context.Context, client *rmqclient.Client) error {
				out := cmd.OutOrStdout()
				err := client.EnableRPCServer(args[0], func(request []byte) []byte {
					fmt.Fprintf(out, "request: %s\n", request)
					if upper {
						return []byte(strings.ToUpper(string(request)))
					}
					return request
				})
				if err != nil {
					return err
				}
				if err := waitUntil(ctx, "rpc server", client.IsRPCServerReady); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "Serving", args[0], "- press Ctrl+C to stop")
				<-ctx.Done()
				return ctx.Err()
			})
		},
	}
	cmd.Flags().BoolVar(&upper, "upper", false, "Reply with the request upper-cased")
	return cmd
}

func newRPCCallCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpc-call <queue> <message>",
		Short: "Call an RPC server and print its reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, func(ctx context.Context, client *rmqclient.Client) error {
				if err := client.EnableRPCClient(); err != nil {
					return err
				}
				if err := waitUntil(ctx, "rpc client", client.IsRPCClientReady); err != nil {
					return err
				}

				reply, err := client.Call(ctx, args[0], []byte(args[1]))
				if errors.Is(err, rmqclient.ErrRPCTimeout) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply)
					return err
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply)
				return nil
			})
		},
	}
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Connect and report the client's health",
		Long: `health connects both client connections and prints a JSON health
report. With --serve it keeps running and answers GET /health instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, func(ctx context.Context, client *rmqclient.Client) error {
				registry := health.ForClient(client)
				registry.SetMetadata("version", version)

				if addr == "" {
					_ = waitUntil(ctx, "connections", func() bool {
						return client.Producer().State() == rmqclient.StateOpen &&
							client.Consumer().State() == rmqclient.StateOpen
					})
					report := registry.Check(ctx)
					encoder := json.NewEncoder(cmd.OutOrStdout())
					encoder.SetIndent("", "  ")
					if err := encoder.Encode(report); err != nil {
						return err
					}
					if report.Status == health.StatusUnhealthy {
						return fmt.Errorf("client is unhealthy")
					}
					return nil
				}

				mux := http.NewServeMux()
				mux.Handle("/health", health.NewHandler(registry, 5*time.Second))
				server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

				errCh := make(chan error, 1)
				go func() { errCh <- server.ListenAndServe() }()
				fmt.Fprintln(cmd.ErrOrStderr(), "Serving health on", addr, "- press Ctrl+C to stop")

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return err
				}
				return ctx.Err()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "serve", "", "Serve GET /health on this address instead of printing once")
	return cmd
}
