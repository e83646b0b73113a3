package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/restaurant-engine/config"
	"github.com/warp/restaurant-engine/events"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/kitchen"
	"github.com/warp/restaurant-engine/payment"
	"github.com/warp/restaurant-engine/store/postgres"
	"github.com/warp/restaurant-engine/store/sqlite"
	"github.com/warp/restaurant-engine/wallet"
)

// backend is the persistence selected by DATABASE_DRIVER.
type backend struct {
	subOrders kitchen.Store
	wallets   wallet.Store
	payments  payment.Store
	ping      func(context.Context) error
	close     func() error
}

// openBackend opens the configured database. Both drivers migrate on open.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("database ready", "driver", cfg.DatabaseDriver)
		return &backend{
			subOrders: st.SubOrders(),
			wallets:   st.Wallets(),
			payments:  st.Payments(),
			ping:      st.Ping,
			close:     st.Close,
		}, nil
	default:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("database ready", "driver", cfg.DatabaseDriver, "path", cfg.SQLitePath)
		return &backend{
			subOrders: st.SubOrders(),
			wallets:   st.Wallets(),
			payments:  st.Payments(),
			ping:      st.Ping,
			close:     st.Close,
		}, nil
	}
}

type closer interface{ Close() error }

// openAuditSink returns the configured sink fanned out with the log sink,
// so audit records reach the process log whichever broker is in use.
func openAuditSink(cfg config.Config, logger *slog.Logger) (generic.AuditSink, func() error, error) {
	logSink := events.NewLogSink(logger)
	noop := func() error { return nil }

	var (
		broker generic.AuditSink
		c      closer
	)
	switch cfg.EventSink {
	case config.SinkRabbitMQ:
		s, err := events.NewRabbitSink(cfg.RabbitMQURL, cfg.AuditExchange, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("open rabbitmq sink: %w", err)
		}
		broker, c = s, s
	case config.SinkKafka:
		s, err := events.NewKafkaSink(cfg.Brokers(), cfg.AuditTopic)
		if err != nil {
			return nil, noop, fmt.Errorf("open kafka sink: %w", err)
		}
		broker, c = s, s
	default:
		return logSink, noop, nil
	}

	logger.Info("audit sink ready", "sink", cfg.EventSink)
	return events.Fanout{logSink, broker}, c.Close, nil
}

func closeAll(logger *slog.Logger, fns ...func() error) {
	var errs []error
	for _, fn := range fns {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown cleanup failed", "err", err)
	}
}
