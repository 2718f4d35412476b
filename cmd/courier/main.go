package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/courier-go/health"
	"github.com/glimte/courier-go/internal/rabbitmq"
	transport "github.com/glimte/courier-go/transports/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	settings := transport.DefaultSettings()
	if url := os.Getenv("COURIER_AMQP_URL"); url != "" {
		settings.URL = url
	}
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Operate the broker topology of courier endpoints",
		Long: `courier declares the shared RabbitMQ topology used by courier endpoints and
inspects or drains the dead-letter queue.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&settings.URL, "url", "u", settings.URL, "RabbitMQ connection URL (env COURIER_AMQP_URL)")
	flags.StringVar(&settings.InputExchange, "input-exchange", settings.InputExchange, "Input exchange name")
	flags.StringVar(&settings.DeferredExchange, "deferred-exchange", settings.DeferredExchange, "Deferred exchange name")
	flags.StringVar(&settings.DeferredQueue, "deferred-queue", settings.DeferredQueue, "Deferred queue name")
	flags.StringVar(&settings.DeadLetterExchange, "deadletter-exchange", settings.DeadLetterExchange, "Dead-letter exchange name")
	flags.StringVar(&settings.DeadLetterQueue, "deadletter-queue", settings.DeadLetterQueue, "Dead-letter queue name")
	flags.Int64Var(&settings.MaxLengthBytes, "max-length-bytes", settings.MaxLengthBytes, "Queue size bound in bytes")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	connect := func(ctx context.Context) (*rabbitmq.ConnectionManager, error) {
		if err := settings.Validate(); err != nil {
			return nil, err
		}
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		manager := rabbitmq.NewConnectionManager(settings.URL,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithConnectionName("courier-cli"),
			rabbitmq.WithMaxRetries(settings.ConnectRetries),
			rabbitmq.WithRetryDelay(settings.ConnectRetryDelay),
		)
		if err := manager.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", rabbitmq.SanitizeURL(settings.URL), err)
		}
		return manager, nil
	}

	// Topology command
	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Manage broker topology",
	}

	var (
		endpoint string
		routes   []string
	)
	topologyDeclareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the shared exchanges and queues",
		Long: `Declare the input, deferred and dead-letter exchanges and queues. With --endpoint the
queue of that endpoint is declared too, bound to every --route key. Reply keys take the form
<type>@<endpoint>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			manager, err := connect(ctx)
			if err != nil {
				return err
			}
			defer manager.Close()

			topology := rabbitmq.InfrastructureTopology(settings.Topology())
			if endpoint != "" {
				topology = topology.Merge(rabbitmq.EndpointTopology(endpoint, routes, "@", settings.Topology()))
			}
			if err := rabbitmq.NewTopologyManager(manager).DeclareTopology(ctx, topology); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}

			printTopology(topology)
			return nil
		},
	}
	topologyDeclareCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Logical name of an endpoint queue to declare")
	topologyDeclareCmd.Flags().StringSliceVarP(&routes, "route", "r", nil, "Routing key bound to the endpoint queue")

	topologyCmd.AddCommand(topologyDeclareCmd)

	// Dead-letter command
	deadLetterCmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and drain the dead-letter queue",
	}

	var peekCount int
	deadLetterPeekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Show dead letters without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			manager, err := connect(ctx)
			if err != nil {
				return err
			}
			defer manager.Close()

			letters, err := transport.NewDeadLetterQueue(manager, settings).Peek(ctx, peekCount)
			if err != nil {
				return fmt.Errorf("failed to peek dead letters: %w", err)
			}

			printDeadLetters(letters)
			return nil
		},
	}
	deadLetterPeekCmd.Flags().IntVarP(&peekCount, "count", "n", 10, "Number of dead letters to show")

	var (
		requeueCount int
		requeueAll   bool
	)
	deadLetterRequeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Send dead letters back to their endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			manager, err := connect(ctx)
			if err != nil {
				return err
			}
			defer manager.Close()

			limit := requeueCount
			if requeueAll {
				limit = -1
			}
			moved, err := transport.NewDeadLetterQueue(manager, settings).Requeue(ctx, limit)
			fmt.Printf("Requeued %d messages from %s\n", moved, settings.DeadLetterQueue)
			if err != nil {
				return fmt.Errorf("failed to requeue dead letters: %w", err)
			}
			return nil
		},
	}
	deadLetterRequeueCmd.Flags().IntVarP(&requeueCount, "count", "n", 1, "Number of dead letters to requeue")
	deadLetterRequeueCmd.Flags().BoolVarP(&requeueAll, "all", "a", false, "Requeue every dead letter")

	deadLetterCmd.AddCommand(deadLetterPeekCmd, deadLetterRequeueCmd)

	// Health command
	var deadLetterWarning int
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker connectivity and the dead-letter backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			manager, err := connect(ctx)
			if err != nil {
				return err
			}
			defer manager.Close()

			registry := health.NewRegistry()
			registry.Label("url", rabbitmq.SanitizeURL(settings.URL))
			registry.Register(health.NewConnectionChecker(manager, settings.InputExchange))
			registry.Register(health.NewQueueChecker(settings.DeadLetterQueue, queueDepths{rabbitmq.NewTopologyManager(manager)}, deadLetterWarning))

			checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
			defer checkCancel()
			report := registry.Check(checkCtx)
			printHealth(report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().IntVar(&deadLetterWarning, "deadletter-warning", 100, "Dead letters that degrade health")

	rootCmd.AddCommand(topologyCmd, deadLetterCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

type queueDepths struct {
	topology *rabbitmq.TopologyManager
}

func (q queueDepths) QueueDepth(ctx context.Context, queue string) (int, error) {
	info, err := q.topology.GetQueueInfo(ctx, queue)
	return info.Messages, err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Output formatting functions

func printTopology(t rabbitmq.Topology) {
	fmt.Printf("%-10s %-40s %-10s\n", "Kind", "Name", "Type")
	fmt.Println(strings.Repeat("-", 62))
	for _, e := range t.Exchanges {
		fmt.Printf("%-10s %-40s %-10s\n", "exchange", truncate(e.Name, 40), e.Type)
	}
	for _, q := range t.Queues {
		fmt.Printf("%-10s %-40s %-10s\n", "queue", truncate(q.Name, 40), "")
	}
	for _, b := range t.Bindings {
		fmt.Printf("%-10s %-40s %-10s\n", "binding", truncate(b.Exchange+" -> "+b.Queue, 40), b.RoutingKey)
	}
}

func printDeadLetters(letters []transport.DeadLetter) {
	if len(letters) == 0 {
		fmt.Println("No dead letters found")
		return
	}

	for i, dl := range letters {
		fmt.Printf("Dead letter %d:\n", i+1)
		fmt.Printf("  ID: %s\n", dl.MessageID)
		fmt.Printf("  Type: %s\n", dl.Type)
		if dl.PayloadType != "" && dl.PayloadType != dl.Type {
			fmt.Printf("  Payload Type: %s\n", dl.PayloadType)
		}
		fmt.Printf("  Routing Key: %s\n", dl.RoutingKey)
		fmt.Printf("  Sent From: %s\n", dl.SentFrom)
		fmt.Printf("  Timestamp: %s\n", dl.Timestamp.Format(time.RFC3339))
		if dl.RetryCounter > 0 {
			fmt.Printf("  Retry Count: %d\n", dl.RetryCounter)
		}
		fmt.Printf("  Reason: %s\n", dl.Reason)
		fmt.Printf("  Payload: %s\n", truncate(string(dl.Payload), 100))
		fmt.Println(strings.Repeat("-", 60))
	}
}

func printHealth(report health.Report) {
	fmt.Printf("Broker Health: %s (checked in %s)\n", report.Status, report.Took.Round(time.Millisecond))
	for _, name := range sortedChecks(report) {
		res := report.Checks[name]
		fmt.Printf("  %-30s %-10s %s\n", truncate(name, 30), res.Status, res.Message)
		if res.Error != "" {
			fmt.Printf("  %-30s %-10s %s\n", "", "error", truncate(res.Error, 80))
		}
	}
}

func sortedChecks(report health.Report) []string {
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
