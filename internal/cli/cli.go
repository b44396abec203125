// ============================================================================
// Dagqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   dagqueue                      # Root command
//   ├── run                       # Start the queue and block
//   │   └── --config, -c         # Specify config file
//   ├── submit                    # Submit queries
//   │   └── --file, -f           # Specify queries JSON file
//   ├── status                    # View a single query's status
//   ├── report                    # Dump every job/worker known to the queue
//   ├── --version                 # Display version information
//   └── --help                    # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml).
//   Configuration items include:
//   - worker: worker count and liveness timing
//   - metrics: Prometheus monitoring configuration
//
// run Command:
//   Starts the queue, including:
//   1. Load config file
//   2. Create and start a MasterQueue with the demo executor
//   3. Start the Metrics HTTP server (if enabled)
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully shut the queue down
//
//   Examples:
//     ./dagqueue run
//     ./dagqueue run -c custom-config.yaml
//
// submit Command:
//   Batch submit queries from a JSON file.
//   JSON format:
//   [
//     {"query": "Job0"},
//     {"query": "Job1", "dependency": "Job0"}
//   ]
//
//   Examples:
//     ./dagqueue submit -f queries.json
//
// Signal Handling:
//   run command captures the following signals and gracefully shuts down:
//   - SIGINT (Ctrl+C): user interrupt
//   - SIGTERM: system terminate request
//
// Metrics Service:
//   If enabled in config, starts an HTTP service in a separate goroutine:
//   - Default port: 9090
//   - Path: /metrics
//
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dagqueue/dagqueue/internal/config"
	"github.com/dagqueue/dagqueue/internal/executor"
	"github.com/dagqueue/dagqueue/internal/metrics"
	iqueue "github.com/dagqueue/dagqueue/internal/queue"
	"github.com/dagqueue/dagqueue/pkg/queue"
)

var (
	configFile  string
	globalQueue *iqueue.MasterQueue
)

// BuildCLI assembles the dagqueue root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "dagqueue",
		Short:   "dagqueue: a dependency-aware in-process job queue",
		Long:    "dagqueue dispatches submitted queries to a pool of worker goroutines, letting a query's executor suspend on another query's result without blocking any other worker.",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildReportCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dagqueue system and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

func runSystem() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Printf("no config at %s, using defaults: %v\n", configFile, err)
		cfg = config.Default()
	}

	log.Printf("starting dagqueue: %d workers\n", cfg.Worker.NWorkers)

	collector := metrics.NewCollector()
	q := iqueue.NewMasterQueue(cfg.QueueConfig(), executor.Demo()).WithMetrics(collector)
	globalQueue = q

	if err := q.Start(); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("metrics server error: %v\n", err)
			}
		}()
	}

	log.Println("dagqueue started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("received shutdown signal, stopping gracefully...")

	q.Stop()
	log.Println("dagqueue stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit queries from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("queries file is required (use --file or -f)")
			}
			return submitQueries(file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing queries to submit")
	cmd.MarkFlagRequired("file")
	return cmd
}

type queryInput struct {
	Query      string `json:"query"`
	Dependency string `json:"dependency"`
}

func submitQueries(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read queries file: %w", err)
	}

	var inputs []queryInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("failed to parse queries file: %w", err)
	}

	if globalQueue == nil {
		cfg, err := config.Load(configFile)
		if err != nil {
			cfg = config.Default()
		}
		globalQueue = iqueue.NewMasterQueue(cfg.QueueConfig(), executor.Demo())
		if err := globalQueue.Start(); err != nil {
			return fmt.Errorf("failed to start queue: %w", err)
		}
	}

	accepted := 0
	for _, in := range inputs {
		if globalQueue.Submit(queue.Query(in.Query), queue.Query(in.Dependency)) {
			accepted++
		}
	}
	log.Printf("submitted %d/%d queries\n", accepted, len(inputs))
	return nil
}

func buildStatusCommand() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show one query's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(query)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "query to look up")
	cmd.MarkFlagRequired("query")
	return cmd
}

func showStatus(queryStr string) error {
	if globalQueue == nil {
		return fmt.Errorf("queue not running (run 'dagqueue run' first)")
	}
	info, ok := globalQueue.Result(queue.Query(queryStr))
	if !ok {
		fmt.Printf("%s: %s\n", queryStr, queue.StatusUnknown)
		return nil
	}
	fmt.Printf("%s: %s\n", info.Query, info.Status)
	if info.Status == queue.StatusCompleted {
		fmt.Printf("  result: %v\n", info.Result)
	}
	if info.Status == queue.StatusFailed {
		fmt.Printf("  error: %v\n", info.Error)
	}
	return nil
}

func buildReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Dump every job and worker known to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalQueue == nil {
				return fmt.Errorf("queue not running (run 'dagqueue run' first)")
			}
			fmt.Print(globalQueue.Report())
			return nil
		},
	}
	return cmd
}
