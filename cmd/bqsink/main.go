package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
	"github.com/stratusdata/bqsink/pkg/config"
	"github.com/stratusdata/bqsink/pkg/json"
	"github.com/stratusdata/bqsink/pkg/logger"
	"github.com/stratusdata/bqsink/pkg/sink"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "bqsink",
		Short: "bqsink - BigQuery batch delivery engine",
		Long: `bqsink delivers newline-delimited JSON records into BigQuery using
either streaming inserts or batch load jobs, with table-id templating,
schema management and error-classified retries.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bqsink v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile, inputFile, logLevel, metricsAddr string
	var batchSize, maxRetries int
	var retryWait time.Duration

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Deliver records from a JSONL stream into BigQuery",
		Long: `Read newline-delimited JSON records from a file or stdin, batch them
and deliver each batch with the configured strategy.

Example:
  bqsink run --config sink.yaml --input events.jsonl --batch-size 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, inputFile, logLevel, metricsAddr, batchSize, maxRetries, retryWait)
		},
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to sink configuration YAML file (required)")
	_ = runCmd.MarkFlagRequired("config")

	runCmd.Flags().StringVarP(&inputFile, "input", "i", "-", "Input JSONL file, '-' for stdin")
	runCmd.Flags().IntVar(&batchSize, "batch-size", 500, "Number of records per delivered batch")
	runCmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Delivery attempts per batch before giving up")
	runCmd.Flags().DurationVar(&retryWait, "retry-wait", 5*time.Second, "Wait between delivery attempts")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9090), empty to disable")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile, inputFile, logLevel, metricsAddr string, batchSize, maxRetries int, retryWait time.Duration) error {
	if err := logger.Init(logger.Config{Level: logLevel, Encoding: "console"}); err != nil {
		return err
	}
	log := logger.Get().With(zap.String("component", "bqsink-cli"))
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	engine, err := sink.NewEngine(cfg, sink.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("failed to close engine", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, log)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	input := os.Stdin
	if inputFile != "" && inputFile != "-" {
		f, err := os.Open(inputFile)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	log.Info("starting delivery",
		zap.String("config", configFile),
		zap.String("method", cfg.Method),
		zap.Int("batch_size", batchSize))

	startTime := time.Now()
	delivered, err := deliver(ctx, engine, input, batchSize, maxRetries, retryWait, log)
	if err != nil {
		return err
	}

	duration := time.Since(startTime)
	log.Info("delivery completed",
		zap.Duration("duration", duration),
		zap.Int64("records_delivered", delivered),
		zap.Float64("records_per_second", float64(delivered)/duration.Seconds()))
	return nil
}

// deliver reads JSONL records, formats them through the engine and writes
// them in fixed-size batches.
func deliver(ctx context.Context, engine *sink.Engine, input *os.File, batchSize, maxRetries int, retryWait time.Duration, log *zap.Logger) (int64, error) {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var delivered int64
	var batchSeq int
	chunk := sink.NewMemoryChunk(chunkID(batchSeq), "")

	flush := func() error {
		if chunk.Len() == 0 {
			return nil
		}
		if err := writeWithRetry(ctx, engine, chunk, maxRetries, retryWait, log); err != nil {
			return err
		}
		delivered += int64(chunk.Len())
		batchSeq++
		chunk = sink.NewMemoryChunk(chunkID(batchSeq), "")
		return nil
	}

	var lineNo int64
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record map[string]interface{}
		if err := json.Unmarshal(line, &record); err != nil {
			log.Warn("skipping malformed record", zap.Int64("line", lineNo), zap.Error(err))
			continue
		}

		row, err := engine.Format("bqsink", time.Now(), record)
		if err != nil {
			return delivered, fmt.Errorf("failed to format record at line %d: %w", lineNo, err)
		}
		chunk.Append(row)

		if chunk.Len() >= batchSize {
			if err := flush(); err != nil {
				return delivered, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("failed to read input: %w", err)
	}
	if err := flush(); err != nil {
		return delivered, err
	}
	return delivered, nil
}

// writeWithRetry retries retryable delivery failures with a fixed wait.
func writeWithRetry(ctx context.Context, engine *sink.Engine, chunk *sink.MemoryChunk, maxRetries int, retryWait time.Duration, log *zap.Logger) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = engine.Write(ctx, chunk)
		if err == nil {
			return nil
		}
		if !bqerrors.IsRetryable(err) {
			return err
		}
		log.Warn("batch delivery failed, retrying",
			zap.String("chunk", chunk.UniqueID()),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryWait):
		}
	}
	return err
}

func chunkID(seq int) string {
	return fmt.Sprintf("%s-%d-%d", "bqsink", os.Getpid(), seq)
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // G114: best-effort sidecar endpoint
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
