package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lamcomm/agentbus"
	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/health"
	"github.com/lamcomm/agentbus/internal/journal"
	"github.com/lamcomm/agentbus/internal/queue"
	"github.com/lamcomm/agentbus/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "agentbus",
		Short: "Durable in-process message bus for named agents",
		Long: `agentbus routes envelopes between named agents with a JSONL journal,
retries with backoff and a dead-letter file.

Commands other than run open the journal directly; stop a running bus first.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	setup := func() (agentbus.Config, *slog.Logger, error) {
		cfg := agentbus.DefaultConfig()
		if configPath != "" {
			var err error
			if cfg, err = agentbus.LoadConfig(configPath); err != nil {
				return cfg, nil, err
			}
		}
		level, err := agentbus.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return cfg, nil, err
		}
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return cfg, logger, nil
	}

	rootCmd.AddCommand(
		runCommand(setup),
		sendCommand(setup),
		receiveCommand(setup),
		dlqCommand(setup),
		journalCommand(setup),
		healthCommand(setup),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

type setupFunc func() (agentbus.Config, *slog.Logger, error)

func openBus(setup setupFunc, opts ...agentbus.Option) (*agentbus.Bus, agentbus.Config, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, cfg, err
	}
	bus, err := agentbus.New(cfg, append([]agentbus.Option{agentbus.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to open bus: %w", err)
	}
	return bus, cfg, nil
}

// echoAgent replies with the payload it received
type echoAgent struct{}

func (echoAgent) Answer(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
	return contracts.PayloadToMap(env.Payload), nil
}

func runCommand(setup setupFunc) *cobra.Command {
	var (
		agents []string
		echo   []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bus and serve /metrics and /healthz",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			collector, err := metrics.NewPrometheusCollector(registry)
			if err != nil {
				return fmt.Errorf("failed to create metrics collector: %w", err)
			}

			bus, cfg, err := openBus(setup, agentbus.WithMetrics(collector))
			if err != nil {
				return err
			}
			defer bus.Close()

			for _, name := range agents {
				if err := bus.RegisterAgent(name, nil); err != nil {
					return err
				}
			}
			for _, name := range echo {
				if err := bus.RegisterAgent(name, echoAgent{}); err != nil {
					return err
				}
				go func(name string) {
					if err := bus.Serve(ctx, name); err != nil {
						slog.Error("Serve stopped", "agent", name, "error", err)
					}
				}(name)
			}

			checks := health.NewRegistry()
			checks.SetMetadata("version", version)
			bus.RegisterHealthChecks(checks, 1000, 10000, 1)
			checks.Register(health.NewGoroutineChecker(1000, 10000))

			mux := http.NewServeMux()
			mux.Handle("/metrics", collector.Handler())
			mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))
			mux.Handle("/livez", health.LivenessHandler())
			server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()
			fmt.Printf("agentbus running, metrics on %s. Press Ctrl+C to stop\n", cfg.MetricsAddr)

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server failed: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "Register a passive agent (repeatable)")
	cmd.Flags().StringSliceVar(&echo, "echo", nil, "Register an agent that replies with what it receives (repeatable)")
	return cmd
}

func sendCommand(setup setupFunc) *cobra.Command {
	var (
		from     string
		typ      string
		topic    string
		traceID  string
		priority int
	)

	cmd := &cobra.Command{
		Use:   "send <to> <json-payload>",
		Short: "Enqueue one envelope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			msgType, err := contracts.ParseMessageType(typ)
			if err != nil {
				return err
			}

			bus, _, err := openBus(setup)
			if err != nil {
				return err
			}
			defer bus.Close()

			for _, name := range []string{args[0], from} {
				if err := bus.RegisterAgent(name, nil); err != nil && !errors.Is(err, agentbus.ErrDuplicateAgent) {
					return err
				}
			}

			id, err := bus.Send(cmd.Context(), args[0], payload,
				agentbus.WithFrom(from),
				agentbus.WithType(msgType),
				agentbus.WithTopic(topic),
				agentbus.WithTraceID(traceID),
				agentbus.WithPriority(priority))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "operator", "Sending agent")
	cmd.Flags().StringVar(&typ, "type", string(contracts.TypeTask), "Message type: task, event, reply or log")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "Trace id (generated when empty)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Priority; higher is delivered first")
	return cmd
}

func receiveCommand(setup setupFunc) *cobra.Command {
	var (
		timeout time.Duration
		ack     bool
	)

	cmd := &cobra.Command{
		Use:   "receive <agent>",
		Short: "Take the next envelope for an agent and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, _, err := openBus(setup)
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.RegisterAgent(args[0], nil); err != nil {
				return err
			}
			d, err := bus.Receive(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			if d == nil {
				fmt.Println("No envelope")
				return nil
			}

			out, err := json.MarshalIndent(d.Envelope, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			fmt.Printf("Attempts: %d  Deliveries: %d\n", d.Attempts, d.Deliveries)

			if ack {
				return bus.Ack(cmd.Context(), d.ID, true)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Second, "How long to wait")
	cmd.Flags().BoolVar(&ack, "ack", false, "Acknowledge the envelope after printing it")
	return cmd
}

func dlqCommand(setup setupFunc) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead letters",
	}

	var (
		agent string
		topic string
		since time.Duration
		limit int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}

			filter := journal.DeadLetterFilter{Agent: agent, Topic: topic, MaxResults: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			letters, err := journal.ReadDeadLetters(cmd.Context(), cfg.DLQPath, filter)
			if err != nil {
				return fmt.Errorf("failed to read dead letters: %w", err)
			}

			printDeadLetters(letters)
			return nil
		},
	}
	listCmd.Flags().StringVar(&agent, "agent", "", "Only dead letters addressed to this agent")
	listCmd.Flags().StringVar(&topic, "topic", "", "Only dead letters with this topic")
	listCmd.Flags().DurationVar(&since, "since", 0, "Only dead letters newer than this")
	listCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of dead letters")

	dlqCmd.AddCommand(listCmd)
	return dlqCmd
}

func journalCommand(setup setupFunc) *cobra.Command {
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and maintain the journal",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Replay the journal and summarize it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			j, err := journal.OpenFile(cfg.JournalPath, journal.WithLogger(logger), journal.WithSync(false))
			if err != nil {
				return err
			}
			defer j.Close()

			events := make(map[journal.Event]int)
			for entry, err := range j.Replay(cmd.Context()) {
				if err != nil {
					return err
				}
				events[entry.Event]++
			}

			q := queue.New(j, queue.WithLogger(logger))
			restored, err := q.Restore(cmd.Context(), j.Replay(cmd.Context()))
			if err != nil {
				return err
			}

			printJournalStats(cfg.JournalPath, events, restored, q.Stats())
			return nil
		},
	}

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the journal keeping only live deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, cfg, err := openBus(setup)
			if err != nil {
				return err
			}
			defer bus.Close()

			kept, err := bus.Compact(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Compacted %s: %d live deliveries kept\n", cfg.JournalPath, kept)
			return nil
		},
	}

	journalCmd.AddCommand(statsCmd, compactCmd)
	return journalCmd
}

func healthCommand(setup setupFunc) *cobra.Command {
	var (
		backlogWarn  int
		backlogCrit  int
		dlqThreshold int
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check journal, backlog and dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, _, err := openBus(setup)
			if err != nil {
				return err
			}
			defer bus.Close()

			checks := health.NewRegistry()
			bus.RegisterHealthChecks(checks, backlogWarn, backlogCrit, dlqThreshold)
			report := checks.Check(cmd.Context())

			printHealth(report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("bus is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&backlogWarn, "backlog-warn", 1000, "Pending deliveries per agent that degrade health")
	cmd.Flags().IntVar(&backlogCrit, "backlog-critical", 10000, "Pending deliveries per agent that fail health")
	cmd.Flags().IntVar(&dlqThreshold, "dlq-threshold", 1, "Dead letters that degrade health")
	return cmd
}

// Output formatting functions

func printDeadLetters(letters []*journal.DeadLetter) {
	if len(letters) == 0 {
		fmt.Println("No dead letters found")
		return
	}

	fmt.Printf("%-36s %-15s %-15s %-8s %-20s %s\n", "ID", "Agent", "Topic", "Attempts", "Dead-lettered", "Reason")
	fmt.Println(strings.Repeat("-", 120))

	for _, dl := range letters {
		fmt.Printf("%-36s %-15s %-15s %-8d %-20s %s\n",
			dl.Envelope.ID,
			truncate(dl.Envelope.To, 15),
			truncate(dl.Envelope.Topic, 15),
			dl.Attempts,
			dl.DeadLetteredAt.Format(time.DateTime),
			truncate(dl.Reason, 40),
		)
	}
}

func printJournalStats(path string, events map[journal.Event]int, restored queue.RestoreStats, stats queue.Stats) {
	fmt.Printf("Journal: %s\n", path)
	fmt.Printf("  Entries: %d (skipped %d)\n", restored.Entries, restored.Skipped)
	for _, event := range []journal.Event{journal.EventSend, journal.EventReceive, journal.EventRetry, journal.EventAck, journal.EventDeadLetter} {
		fmt.Printf("    %-8s %d\n", event, events[event])
	}
	fmt.Printf("\nDeliveries:\n")
	fmt.Printf("  Live: %d\n", restored.Restored)
	fmt.Printf("  Settled: %d\n", restored.Settled)
	fmt.Printf("  Delayed by backoff: %d\n", stats.Delayed)

	if len(stats.Agents) > 0 {
		fmt.Printf("\n%-20s %-10s %-10s\n", "Agent", "Pending", "Delayed")
		fmt.Println(strings.Repeat("-", 42))
		for agent, backlog := range stats.Agents {
			fmt.Printf("%-20s %-10d %-10d\n", truncate(agent, 20), backlog.Pending, backlog.Delayed)
		}
	}
}

func printHealth(report health.OverallHealth) {
	fmt.Printf("Bus Health: %s\n", report.Status)
	for name, check := range report.Checks {
		fmt.Printf("  %-15s %-10s %s\n", name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Printf("    error: %s\n", check.Error)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
