package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"throttled-queue/pkg/api"
	"throttled-queue/pkg/config"
	"throttled-queue/pkg/logging"
	"throttled-queue/pkg/persistence"
	"throttled-queue/pkg/queue"
	"throttled-queue/pkg/scheduler"
	"throttled-queue/pkg/shutdown"
	"throttled-queue/pkg/storage"
	"throttled-queue/pkg/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultProducer()
	envErr := config.ProducerFromEnv(&cfg)

	cmd := &cobra.Command{
		Use:          "producer",
		Short:        "Enqueue work items on POST /produce",
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
	flags.StringVar(&cfg.Interface, "interface", cfg.Interface, "network interface to listen on")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	flags.StringVar(&cfg.ProduceSchedule, "schedule", cfg.ProduceSchedule, "cron expression for automatic production")
	return cmd
}

func run(cfg config.Producer) error {
	instanceID := queue.NewInstanceID()
	if err := logging.Init(cfg.LogDevelopment, instanceID); err != nil {
		return err
	}
	log := logging.L()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	var (
		registry *worker.Registry
		hooks    queue.MultiHooks
		events   *persistence.PostgresHooks
		err      error
	)
	if cfg.RegistryAddress != "" {
		registry = worker.NewRegistryFromAddress(cfg.RegistryAddress, instanceID, "producer", cfg.Queue)
		if err := registry.Start(ctx); err != nil {
			log.Warn("instance registry unavailable", zap.Error(err))
		}
	}
	if cfg.EventsDSN != "" {
		if events, err = persistence.NewPostgresHooks(ctx, cfg.EventsDSN, instanceID); err == nil {
			hooks = append(hooks, events)
			log.Info("postgres persistence enabled for delivery events")
		} else {
			log.Warn("postgres hooks init failed", zap.Error(err))
		}
	}

	transport, err := storage.Open(ctx, cfg.Common, instanceID)
	if err != nil {
		log.Error("unable to start application", zap.Error(err))
		return err
	}
	producer := queue.NewProducer(transport, cfg.Queue).WithHooks(hooks)

	s := &api.Server{Producer: producer, MaxQuantity: cfg.MaxQuantity}
	if registry != nil {
		s.Instances = registry
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		log.Error("unable to start application", zap.Error(err))
		_ = transport.Close(context.Background())
		return err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
		}
	}()
	log.Info("HTTP server listening", zap.String("url", "http://"+ln.Addr().String()))

	var runner *scheduler.Runner
	if cfg.ProduceSchedule != "" {
		runner, err = scheduler.NewRunner(cfg.ProduceSchedule, func(ctx context.Context) error {
			_, err := producer.Produce(ctx, queue.DefaultQuantity())
			return err
		})
		if err != nil {
			log.Error("invalid produce schedule", zap.Error(err))
			_ = srv.Close()
			_ = transport.Close(context.Background())
			return err
		}
		runner.Start(ctx)
	}

	log.Info("application started with following configuration",
		zap.String("interface", cfg.Interface),
		zap.Int("port", cfg.Port),
		zap.String("transport", cfg.Transport),
		zap.String("address", cfg.TransportAddress()),
		zap.String("queue", cfg.Queue),
		zap.String("produce_schedule", cfg.ProduceSchedule),
	)

	<-ctx.Done()
	log.Info("got termination signal, stopping application")

	steps := []shutdown.Step{
		{Name: "HTTP server", Close: srv.Shutdown},
	}
	if runner != nil {
		steps = append(steps, shutdown.Step{Name: "produce schedule", Close: runner.Stop})
	}
	if registry != nil {
		steps = append(steps, shutdown.Step{Name: "instance registry", Close: registry.Deregister})
	}
	steps = append(steps,
		shutdown.Step{Name: "queue deliveries", Close: transport.NackAll},
		shutdown.Step{Name: "transport", Close: transport.Close},
	)
	if events != nil {
		steps = append(steps, shutdown.Step{Name: "event store", Close: events.Close})
	}
	shutdown.Exit(ctx, cfg.ShutdownTimeout, steps...)
	return nil
}
