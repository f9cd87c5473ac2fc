package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/comm"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/story"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// snapshotTimeout bounds how long a peer gather request may wait for the
// run loop to answer before the peer is told to back off.
const snapshotTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string

	// Executor allows overriding the task executor (for testing and for
	// embedders that interpret run specs). If nil, defaults to
	// opaqueExecutor.
	Executor worker.Executor
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker",
		Long: `Start the worker run loop.

The worker loads its configuration, connects to NATS, subscribes to
scheduler events for its address, serves peer gather requests, and
drives the task state machine until interrupted.

Example:
  taskmesh run --config ./worker.yaml
  taskmesh run --config ./worker.yaml --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to worker config file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runWorker(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logLevel := cfg.SlogLevel()
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	machineOpts := cfg.MachineOptions()
	machineOpts = append(machineOpts, worker.WithLogger(logger))

	// Durable story log, when configured. The logical clock resumes past
	// the highest recorded seq so the log stays strictly ordered across
	// restarts.
	if cfg.StoryPath != "" {
		logger.Info("opening story log", "path", cfg.StoryPath)
		st, err := story.Open(cfg.StoryPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open story log", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing story log", "error", closeErr)
			}
		}()
		lastSeq, err := st.LastSeq(cmd.Context())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read story log", err)
		}
		machineOpts = append(machineOpts,
			worker.WithRecorder(st),
			worker.WithClock(worker.NewClockAt(lastSeq)),
		)
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		machineOpts = append(machineOpts, worker.WithMetrics(worker.NewMetrics(reg)))
		srv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	logger.Info("connecting to NATS", "url", cfg.NATS.URL)
	transport, err := comm.Dial(comm.Config{
		URL:           cfg.NATS.URL,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	}, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
	}
	defer func() {
		if closeErr := transport.Close(); closeErr != nil {
			logger.Error("error closing transport", "error", closeErr)
		}
	}()

	executor := opts.Executor
	if executor == nil {
		executor = opaqueExecutor{}
	}

	m := worker.NewMachine(cfg.Address, machineOpts...)
	w := worker.NewWorker(m, transport, executor,
		worker.WithFindMissingInterval(cfg.FindMissingInterval.Std()),
		worker.WithWorkerLogger(logger),
	)

	eventSub, err := transport.SubscribeEvents(cfg.Address, w.Enqueue)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe to scheduler events", err)
	}
	defer eventSub.Unsubscribe()

	gatherSub, err := transport.ServeGather(cfg.Address, snapshotProvider{w: w})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to serve gather requests", err)
	}
	defer gatherSub.Unsubscribe()

	// Graceful shutdown on SIGINT/SIGTERM. The command context takes
	// precedence when set (tests).
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Worker %s started. Press Ctrl-C to stop.\n", cfg.Address)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "worker error", err)
	}

	logger.Info("worker stopped gracefully")
	return nil
}

// snapshotProvider answers peer gather requests from the run loop's
// task table. A worker that cannot answer within the timeout reports
// busy so the peer retries elsewhere.
type snapshotProvider struct {
	w *worker.Worker
}

func (p snapshotProvider) Snapshot(keys []string) (map[string]any, map[string]int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	data, nbytes, err := p.w.Snapshot(ctx, keys)
	if err != nil {
		return nil, nil, true
	}
	return data, nbytes, false
}

// opaqueExecutor completes tasks with their run spec bytes as the
// value. Run specs are opaque to the worker; embedders inject an
// Executor that interprets them.
type opaqueExecutor struct{}

func (opaqueExecutor) Execute(_ context.Context, _ string, spec protocol.SerializedTask) (worker.ExecuteResult, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	return worker.ExecuteResult{
		Value:  spec.Task,
		Nbytes: int64(len(spec.Task)),
		Type:   "bytes",
		Start:  now,
		Stop:   now,
	}, nil
}
