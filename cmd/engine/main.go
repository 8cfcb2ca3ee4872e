// Package main provides the entry point for the decision engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridian-trading/decision-engine/internal/api"
	"github.com/meridian-trading/decision-engine/internal/config"
	"github.com/meridian-trading/decision-engine/internal/data"
	"github.com/meridian-trading/decision-engine/internal/engine"
	"github.com/meridian-trading/decision-engine/internal/execution"
	"github.com/meridian-trading/decision-engine/internal/regime"
	"github.com/meridian-trading/decision-engine/internal/state"
	"github.com/meridian-trading/decision-engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	paperTrading := flag.Bool("paper", true, "Enable paper trading mode")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting decision engine",
		zap.String("exchange", cfg.Exchange),
		zap.String("pair", cfg.Pair),
		zap.Duration("period_length", cfg.PeriodLength),
		zap.Bool("paperTrading", *paperTrading),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Snapshot persistence backend.
	var blob state.BlobStore
	switch cfg.State.Backend {
	case "badger":
		blob, err = state.NewBadgerStore(cfg.State.Dir)
	default:
		blob, err = state.NewFileStore(cfg.State.Dir)
	}
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer blob.Close()

	store := state.NewStore(logger, blob, cfg.StateKey())

	// Order venue. Live connectivity is out of scope; the paper
	// executor fills at the last seen price with simulated slippage.
	if !*paperTrading {
		logger.Fatal("Live trading is not supported; run with -paper")
	}
	executor := execution.NewPaperExecutor(logger, cfg.Order.PaperSlippagePct, cfg.Order.PaperFeePct)

	eng := engine.New(logger, cfg, executor, store)
	eng.SetStrategy(momentumStrategy(cfg))

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	feed := data.NewFeed(logger, data.FeedConfig{
		URL:              cfg.Feed.URL,
		Pair:             cfg.Pair,
		ReconnectBackoff: cfg.Feed.ReconnectBackoff,
		MaxBackoff:       cfg.Feed.MaxBackoff,
	})
	feed.OnTick(func(tick types.Tick) {
		executor.SetPrice(tick.Price)
		eng.OnTick(tick)
	})

	if cfg.Feed.URL != "" {
		if err := feed.Start(ctx); err != nil {
			logger.Fatal("Failed to start feed", zap.Error(err))
		}
	} else {
		logger.Warn("No feed URL configured; engine idle until ticks arrive")
	}

	server := api.NewServer(logger, cfg.Server, eng)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Engine running",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()

	if cfg.Feed.URL != "" {
		if err := feed.Stop(); err != nil {
			logger.Error("Error stopping feed", zap.Error(err))
		}
	}

	if err := eng.Stop(); err != nil {
		logger.Error("Error stopping engine", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Engine stopped")
}

// momentumStrategy is a simple close-over-close momentum signal: buy
// when the change over the last completed period exceeds the buy
// threshold, sell when it falls below the (negative) sell threshold.
// Thresholds are in percent units and regime-adapted per tick.
func momentumStrategy(cfg *config.Config) engine.StrategyFunc {
	return func(periods []types.Period, params regime.Parameters) types.Signal {
		if len(periods) < 2 {
			return types.SignalNone
		}
		prev := periods[1].Close
		if prev.IsZero() {
			return types.SignalNone
		}
		changePct, _ := periods[0].Close.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Float64()

		switch {
		case changePct >= params.BuyThreshold:
			return types.SignalBuy
		case changePct <= -params.SellThreshold:
			return types.SignalSell
		default:
			return types.SignalNone
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
