package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"throttled-queue/pkg/config"
	"throttled-queue/pkg/logging"
	"throttled-queue/pkg/persistence"
	"throttled-queue/pkg/queue"
	"throttled-queue/pkg/shutdown"
	"throttled-queue/pkg/storage"
	"throttled-queue/pkg/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultConsumer()
	envErr := config.ConsumerFromEnv(&cfg)

	cmd := &cobra.Command{
		Use:          "consumer",
		Short:        "Consume work items at a bounded per-second rate",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.Transport, "transport", cfg.Transport, "queue transport: amqp, redis, postgres or memory")
	flags.StringVar(&cfg.Address, "address", cfg.Address, "transport address (default depends on transport)")
	flags.StringVar(&cfg.Queue, "queue", cfg.Queue, "queue name")
	flags.IntVar(&cfg.MaxInProgressPerSecond, "rate", cfg.MaxInProgressPerSecond, "items per second across all consumer instances")
	flags.IntVar(&cfg.ConsumersCount, "instances", cfg.ConsumersCount, "number of cooperating consumer instances")
	flags.StringVar(&cfg.MetricsAddress, "metrics-address", cfg.MetricsAddress, "serve /metrics on this address when set")
	return cmd
}

func run(cfg config.Consumer) error {
	instanceID := queue.NewInstanceID()
	if err := logging.Init(cfg.LogDevelopment, instanceID); err != nil {
		return err
	}
	log := logging.L()
	log.Info("starting application")

	rc, err := queue.NewRateConfig(cfg.MaxInProgressPerSecond, cfg.ConsumersCount)
	if err != nil {
		log.Error("invalid rate configuration", zap.Error(err))
		return err
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	var (
		opts     []storage.Option
		registry *worker.Registry
		hooks    queue.MultiHooks
		steps    []shutdown.Step
	)
	if cfg.RegistryAddress != "" {
		registry = worker.NewRegistryFromAddress(cfg.RegistryAddress, instanceID, "consumer", cfg.Queue)
		if err := registry.Start(ctx); err != nil {
			log.Warn("instance registry unavailable", zap.Error(err))
		}
		opts = append(opts, storage.WithLiveness(registry.Alive))
	}
	var events *persistence.PostgresHooks
	if cfg.EventsDSN != "" {
		if events, err = persistence.NewPostgresHooks(ctx, cfg.EventsDSN, instanceID); err == nil {
			hooks = append(hooks, events)
			log.Info("postgres persistence enabled for delivery events")
		} else {
			log.Warn("postgres hooks init failed", zap.Error(err))
		}
	}

	transport, err := storage.Open(ctx, cfg.Common, instanceID, opts...)
	if err != nil {
		log.Error("unable to start application", zap.Error(err))
		return err
	}
	log.Info("transport connected", zap.String("transport", cfg.Transport))

	gate := queue.NewTimingGate(rc.MinProcessingDuration, clock.RealClock{})
	work := queue.SimulatedWork(cfg.WorkMin, cfg.WorkMax, cfg.FailureRate, nil)
	processor := queue.NewProcessor(cfg.Queue, work, gate, nil)
	consumer := worker.NewConsumer(instanceID, cfg.Queue, transport, processor).WithHooks(hooks)
	consumer.SetGracePeriod(cfg.ShutdownTimeout)
	consumer.SetMaintenance(cfg.MaintenanceInterval, cfg.VisibilityTimeout)

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- consumer.Run(ctx) }()

	log.Info("application started with following configuration",
		zap.String("transport", cfg.Transport),
		zap.String("address", cfg.TransportAddress()),
		zap.String("queue", cfg.Queue),
		zap.Int("consumers_count", cfg.ConsumersCount),
		zap.Int("max_in_progress_per_second", cfg.MaxInProgressPerSecond),
		zap.Int("max_in_progress_per_instance", rc.PerInstanceRate),
		zap.Int64("min_execution_time_ms", rc.MinProcessingDuration.Milliseconds()),
	)

	var loopErr error
	select {
	case <-ctx.Done():
		log.Info("got termination signal, stopping application")
	case loopErr = <-runErr:
		log.Error("consumer loop ended", zap.Error(loopErr))
	}

	// a loop that ended on its own fails the shutdown, so the process exits 1
	stopConsumer := func(ctx context.Context) error {
		if loopErr != nil {
			return loopErr
		}
		return consumer.Stop(ctx)
	}
	steps = append(steps,
		shutdown.Step{Name: "consumer", Close: stopConsumer},
		shutdown.Step{Name: "queue deliveries", Close: transport.NackAll},
		shutdown.Step{Name: "transport", Close: transport.Close},
	)
	if registry != nil {
		steps = append(steps, shutdown.Step{Name: "instance registry", Close: registry.Deregister})
	}
	if metricsSrv != nil {
		steps = append(steps, shutdown.Step{Name: "metrics server", Close: metricsSrv.Shutdown})
	}
	if events != nil {
		steps = append(steps, shutdown.Step{Name: "event store", Close: events.Close})
	}
	shutdown.Exit(ctx, cfg.ShutdownTimeout, steps...)
	return nil
}
