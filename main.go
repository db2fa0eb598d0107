package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tokopay/internal/config"
	"tokopay/internal/database"
	"tokopay/internal/gateway"
	"tokopay/internal/models"
	"tokopay/internal/notify"
	"tokopay/internal/repositories"
	"tokopay/internal/server"
	"tokopay/internal/services"
	"tokopay/internal/worker"
	"tokopay/pkg/rabbitmq"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tokopay",
		Short:         "Order and payment reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(importProductsCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the refund consumer and the reconciliation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve HTTP only, without the reconciliation worker and the refund consumer")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			return database.Migrate(db)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Poll the gateways once for payments stuck in pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := setup()
			if err != nil {
				return err
			}
			srv := server.New(server.Deps{Config: cfg, DB: db, Registry: newRegistry(cfg), Mailer: notify.LogMailer{}})
			sum := worker.NewReconciler(cfg.Reconcile, srv.Ledger, srv.Payments).RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d settled=%d pending=%d escalated=%d errors=%d\n",
				sum.Checked, sum.Settled, sum.Pending, sum.Escalated, sum.Errors)
			return nil
		},
	}
}

func importProductsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-products [file.json]",
		Short: "Load catalog entries checkout prices orders from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var products []models.Product
			if err := json.Unmarshal(raw, &products); err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			_, db, err := setup()
			if err != nil {
				return err
			}
			catalog := services.NewProductService(repositories.NewGORMProductRepository(db))
			created, err := catalog.ImportProducts(cmd.Context(), products)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d products\n", created, len(products))
			return err
		},
	}
}

// setup loads the configuration and opens a migrated database.
func setup() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func newRegistry(cfg *config.Config) *gateway.Registry {
	client := &http.Client{}
	return gateway.NewRegistry(
		gateway.NewPhonePe(cfg.Gateway, client),
		gateway.NewRazorpay(cfg.Gateway, client),
	)
}

func runServe(noWorkers bool) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}

	// --- RabbitMQ is optional: without it events are skipped and emails are only logged ---
	var (
		mqClient  *rabbitmq.Client
		publisher services.Publisher
		mailer    notify.Mailer = notify.LogMailer{}
	)
	if cfg.RabbitMQURL != "" {
		mqClient, err = rabbitmq.NewClient(rabbitmq.Config{URL: cfg.RabbitMQURL})
		if err != nil {
			log.Printf("Warning: RabbitMQ unavailable, continuing without events: %v", err)
		} else {
			defer mqClient.Close()
			publisher = mqClient
			mailer = notify.NewQueueMailer(mqClient)
		}
	}

	srv := server.New(server.Deps{
		Config:    cfg,
		DB:        db,
		Registry:  newRegistry(cfg),
		Publisher: publisher,
		Mailer:    mailer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !noWorkers {
		go worker.NewReconciler(cfg.Reconcile, srv.Ledger, srv.Payments).Run(ctx)

		if mqClient != nil {
			log.Println("Starting RabbitMQ consumer for refund completions...")
			if err := mqClient.Consume(rabbitmq.QueueRefundCompleted, worker.RefundCompletedHandler(srv.Orders, cfg.Gateway.Timeout)); err != nil {
				log.Printf("Failed to start RabbitMQ consumer: %v", err)
			}
		}
	}

	log.Printf("Starting server on port %s", cfg.AppPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.App.Listen(cfg.AppPort)
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	log.Println("Shutting down server...")
	cancel()
	if err := srv.App.Shutdown(); err != nil {
		log.Printf("Error during Fiber shutdown: %v", err)
	}
	log.Println("Server gracefully stopped")
	return nil
}
