// Command blockscheduler loads a declarative pipeline definition and drives
// it to completion, reporting progress via structured logs and Prometheus
// metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"blockscheduler/internal/blockgraph"
	"blockscheduler/internal/blocktrace"
	"blockscheduler/internal/metrics"
	"blockscheduler/internal/pipelinecfg"
	"blockscheduler/internal/scheduler"
	"blockscheduler/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "blockscheduler",
	Short: "Runs a block-level dependency pipeline to completion.",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("pipeline", "", "path to the pipeline YAML definition (required)")
	rootCmd.Flags().Int("workers-per-task", 1, "worker goroutines per task")
	rootCmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	rootCmd.Flags().Bool("dev", false, "use human-readable development logging instead of JSON")

	for _, name := range []string{"pipeline", "workers-per-task", "metrics-addr", "dev"} {
		if err := viper.BindPFlag(name, rootCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("blockscheduler")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(viper.GetBool("dev"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID))

	pipelinePath := viper.GetString("pipeline")
	if pipelinePath == "" {
		return fmt.Errorf("--pipeline is required")
	}

	cfg, err := pipelinecfg.Load(pipelinePath)
	if err != nil {
		return err
	}
	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	tasks, err := blockgraph.Generate(specs)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(tasks, cfg.CountAllOrphans, scheduler.WithLogger(logger))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	var metricsServer *http.Server
	if addr := viper.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server exited", zap.Error(err))
			}
		}()
	}

	names := make(map[int]string, len(tasks))
	for _, t := range tasks {
		if n, ok := t.(blockgraph.Named); ok {
			names[t.TaskID()] = n.Name()
		}
	}
	labelOf := func(taskID int) string {
		if n, ok := names[taskID]; ok {
			return n
		}
		return fmt.Sprintf("task-%d", taskID)
	}

	obs := worker.Observer{
		OnAcquire: func(taskID, blockID int) {
			collector.ObserveAcquire(labelOf(taskID))
		},
		OnRelease: func(taskID, blockID int, status scheduler.BlockStatus) {
			logger.Debug("block released",
				zap.String("task", labelOf(taskID)),
				zap.Int("block_id", blockID),
				zap.String("status", string(status)),
			)
		},
		OnState: func(taskID int, state scheduler.TaskState) {
			collector.ObserveState(labelOf(taskID), state)
		},
	}

	recorder := blocktrace.NewRecorder()
	dist := worker.NewDistributor(sched, noopRunner{}, obs)
	dist.WorkersPerTask = viper.GetInt("workers-per-task")
	dist.Trace = recorder

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("pipeline starting", zap.Int("tasks", len(tasks)))
	if err := dist.Run(ctx); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		return err
	}

	for id, st := range sched.TaskStates() {
		logger.Info("task finished",
			zap.String("task", labelOf(id)),
			zap.Int("completed", st.Completed),
			zap.Int("failed", st.Failed),
			zap.Int("orphaned", st.Orphaned),
			zap.Int("roots_remaining", sched.RootsRemaining(id)),
		)
	}

	trace := recorder.Trace(cfg.Hash)
	if hash, err := trace.Hash(); err != nil {
		logger.Warn("trace hash unavailable", zap.Error(err))
	} else {
		logger.Info("run trace recorded", zap.String("trace_hash", hash), zap.Int("events", len(trace.Events)))
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// noopRunner is the default BlockRunner when no domain-specific runner is
// wired in; it marks every block SUCCESS immediately. Real deployments
// supply their own worker.BlockRunner that performs the task's actual work.
type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, taskID, blockID int) error { return nil }
