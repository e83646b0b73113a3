package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/restaurant-engine/api"
	"github.com/warp/restaurant-engine/config"
	"github.com/warp/restaurant-engine/gateway"
	"github.com/warp/restaurant-engine/kitchen"
	"github.com/warp/restaurant-engine/metrics"
	"github.com/warp/restaurant-engine/payment"
	"github.com/warp/restaurant-engine/wallet"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API.

Examples:
  server serve
  server serve --config ./deploy`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	audit, closeAudit, err := openAuditSink(cfg, logger)
	if err != nil {
		db.close()
		return err
	}
	defer closeAll(logger, closeAudit, db.close)

	m := metrics.New()
	retry := cfg.Retry()

	kitchenSvc := kitchen.NewService(db.subOrders, kitchen.Options{
		Validator: kitchen.NewValidator(cfg.TestModeRoleBypass),
		Retry:     retry,
		Audit:     audit,
		Observer:  m,
		Logger:    logger,
	})
	ledger := wallet.NewLedger(db.wallets, wallet.Options{
		Retry:    retry,
		Audit:    audit,
		Observer: m,
		Logger:   logger,
	})
	paymentOpts := payment.Options{
		Ledger:   ledger,
		Retry:    retry,
		Audit:    audit,
		Observer: m,
		Logger:   logger,
	}
	if cfg.GatewayBaseURL != "" {
		paymentOpts.Gateway = gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout())
	} else {
		logger.Warn("GATEWAY_BASE_URL not set, payments are created without a gateway charge")
	}
	if cfg.TestModeRoleBypass {
		logger.Warn("TEST_MODE_ROLE_BYPASS is on, sub-order role checks are skipped")
	}
	paymentSvc := payment.NewService(db.payments, paymentOpts)

	handler := api.NewHandler(api.Deps{
		Kitchen:  kitchenSvc,
		Wallets:  ledger,
		Payments: paymentSvc,
		Currency: cfg.DefaultCurrency(),
		Ping:     db.ping,
		Logger:   logger,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        m,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "driver", cfg.DatabaseDriver,
			"event_sink", cfg.EventSink, "max_conflict_attempts", retry.Attempts())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
