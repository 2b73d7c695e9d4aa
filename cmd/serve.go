package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"reviewflow/config"
	"reviewflow/logging"
	"reviewflow/middleware"
	"reviewflow/routes"
	"reviewflow/worker"
)

var (
	serveNoScheduler bool
	serveMigrate     bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)

	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "serve HTTP only; run the scheduler with `reviewflow worker`")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply database migrations before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the step scheduler and the trigger consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := connect(serveMigrate); err != nil {
			return err
		}
		cfg := config.AppConfig
		svc := newServices(config.DB, cfg)
		defer svc.close()

		schedulerDone := make(chan struct{})
		if serveNoScheduler {
			close(schedulerDone)
		} else {
			go func() {
				defer close(schedulerDone)
				svc.sequenceWorker(cfg.Scheduler).Start(ctx)
			}()
		}
		startTriggerConsumer(ctx, svc, cfg)

		app := fiber.New(fiber.Config{
			AppName:      "reviewflow",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		})
		app.Use(middleware.CORS())
		routes.SetupRoutes(app, svc.routes(cfg))

		errCh := make(chan error, 1)
		go func() {
			logrus.Infof("🚀 Server starting on port %s", cfg.ServerPort)
			errCh <- app.Listen(":" + cfg.ServerPort)
		}()

		select {
		case err := <-errCh:
			stop()
			<-schedulerDone
			return err
		case <-ctx.Done():
		}
		logrus.Info("Shutdown signal received")
		err := app.ShutdownWithTimeout(10 * time.Second)
		// steps already claimed finish and record their transitions
		<-schedulerDone
		return err
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the step scheduler and the trigger consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := connect(false); err != nil {
			return err
		}
		cfg := config.AppConfig
		svc := newServices(config.DB, cfg)
		defer svc.close()

		startTriggerConsumer(ctx, svc, cfg)
		svc.sequenceWorker(cfg.Scheduler).Start(ctx)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return connect(true)
	},
}

func connect(migrate bool) error {
	if err := config.ConnectDB(); err != nil {
		return err
	}
	if migrate {
		return config.MigrateDB()
	}
	return nil
}

// startTriggerConsumer runs the AMQP consumer when AMQP_URL is set and
// reconnects after the broker drops the connection.
func startTriggerConsumer(ctx context.Context, svc *services, cfg config.Config) {
	if cfg.AMQPURL == "" {
		return
	}
	consumer := worker.NewTriggerConsumer(cfg.AMQPURL, cfg.TriggerQueue, svc.matcher)
	go func() {
		for {
			err := consumer.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			logging.LogError("trigger_consumer_stopped", err, map[string]interface{}{"queue": consumer.Queue})
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}
