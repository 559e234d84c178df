// Package main is the entry point for the btcEtfAgent worker.
//
// The worker:
//  1. Loads configuration from the environment
//  2. Opens the store and applies persisted strategy params and mode
//  3. Initializes the broker (paper or live), market data, signal engine,
//     hedge controller, executor, approval channel, and scheduler
//  4. Runs until SIGINT/SIGTERM, then shuts down cooperatively
//
// The worker has no command-line flags; everything comes from env vars
// (godotenv loads a local .env when present).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/nitinkhare/btcEtfAgent/internal/approval"
	"github.com/nitinkhare/btcEtfAgent/internal/broker"
	"github.com/nitinkhare/btcEtfAgent/internal/config"
	"github.com/nitinkhare/btcEtfAgent/internal/executor"
	"github.com/nitinkhare/btcEtfAgent/internal/hedge"
	"github.com/nitinkhare/btcEtfAgent/internal/market"
	"github.com/nitinkhare/btcEtfAgent/internal/metrics"
	"github.com/nitinkhare/btcEtfAgent/internal/scheduler"
	"github.com/nitinkhare/btcEtfAgent/internal/storage"
	"github.com/nitinkhare/btcEtfAgent/internal/strategy"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer store.Close()

	// Persisted strategy params override compiled defaults.
	if params, err := store.GetAllStrategyParams(); err != nil {
		log.Warn().Err(err).Msg("could not load strategy params")
	} else if len(params) > 0 {
		cfg.Strategy.ApplyParams(params)
		log.Info().Int("count", len(params)).Msg("applied persisted strategy params")
	}

	// A persisted "live" mode (set via /mode) outranks an env "paper",
	// but only when the live-mode safety requirements are also met.
	if persisted, err := store.GetTradingMode(); err == nil && persisted == string(config.ModeLive) &&
		cfg.TradingMode == config.ModePaper {
		cfg.TradingMode = config.ModeLive
		if err := cfg.Validate(); err != nil {
			log.Warn().Err(err).Msg("persisted live mode not honored, staying in paper mode")
			cfg.TradingMode = config.ModePaper
		}
	}

	log.Info().
		Str("mode", string(cfg.TradingMode)).
		Str("approval_mode", string(cfg.ApprovalMode)).
		Float64("max_position_pct", cfg.MaxPositionPct).
		Str("universe", strings.Join(cfg.Universe.Symbols(), ",")).
		Msg("worker starting")

	if cfg.TradingMode == config.ModeLive {
		log.Warn().Msg("LIVE MODE ACTIVE — real orders will be placed")
	} else {
		log.Info().Msg("paper mode — simulated orders only")
	}

	// Market data gateway: Alpaca first, Finnhub fallback, optional
	// websocket stream for fresh prints.
	alpaca := market.NewAlpacaProvider(cfg.MarketData.AlpacaAPIKey, cfg.MarketData.AlpacaSecretKey, log)
	finnhub := market.NewFinnhubProvider(cfg.MarketData.FinnhubAPIKey, log)
	data := market.NewManager(log, alpaca, finnhub)

	var stream *market.Stream
	if cfg.MarketData.StreamEnabled && alpaca.IsAvailable() {
		stream = market.NewStream(cfg.MarketData.AlpacaAPIKey, cfg.MarketData.AlpacaSecretKey,
			cfg.Universe.Symbols(), log)
		data.AttachStream(stream)
	}

	// Broker gateway.
	var brk broker.Broker
	if cfg.TradingMode == config.ModeLive {
		etrade, err := broker.NewETradeBroker(broker.ETradeConfig{
			ConsumerKey:    cfg.ETrade.ConsumerKey,
			ConsumerSecret: cfg.ETrade.ConsumerSecret,
			BaseURL:        cfg.ETrade.BaseURL,
		}, store, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize broker")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if !etrade.IsAuthenticated(ctx) {
			cancel()
			log.Fatal().Msg("broker authentication failed — token may be expired; " +
				"re-run the auth bootstrap before starting live")
		}
		cancel()
		log.Info().Msg("broker authentication verified")
		brk = etrade
	} else {
		brk = broker.NewPaperBroker(10000, cfg.Strategy.SlippagePct, func(symbol string) float64 {
			if q := data.GetQuote(symbol); q != nil {
				return q.CurrentPrice
			}
			return 0
		})
	}

	engine := strategy.NewEngine(cfg.Strategy, cfg.Universe, data, log)
	hedgeCtl := hedge.NewController(cfg.Hedge, cfg.Universe, log)
	calendar := market.NewCalendar(nil)
	sched := scheduler.New(calendar, store, log)

	// Approval channel. Without Telegram credentials the worker still
	// runs; approval-required live trades then fail secure.
	var channel approval.Channel = approval.Noop{}
	var telegram *approval.Telegram
	var exec *executor.Executor

	if cfg.Telegram.BotToken != "" {
		cmds := approval.Commands{
			Pause: func() string {
				sched.Pause()
				return "⏸ Scheduler paused. /resume to continue."
			},
			Resume: func() string {
				sched.Resume()
				return "▶️ Scheduler resumed."
			},
			SetMode: func(mode string) string {
				if err := store.SetTradingMode(mode); err != nil {
					return fmt.Sprintf("Failed to persist mode: %v", err)
				}
				return fmt.Sprintf("Mode set to *%s*. Restart the worker to apply.", mode)
			},
			Balance:   func() string { return balanceText(exec) },
			Positions: func() string { return positionsText(exec) },
			Signal:    func() string { return signalText(exec, hedgeCtl) },
			Jobs:      func() string { return sched.StatusText() },
			Logs:      func(limit int) string { return logsText(store, limit) },
		}
		telegram, err = approval.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			time.Duration(cfg.ApprovalTimeoutMinutes)*time.Minute, cmds, log)
		if err != nil {
			log.Warn().Err(err).Msg("telegram unavailable, notifications disabled")
		} else {
			channel = telegram
		}
	} else {
		log.Warn().Msg("telegram not configured, notifications disabled")
	}

	exec = executor.New(cfg, brk, data, store, channel, engine, hedgeCtl, log)

	registerJobs(sched, exec, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if stream != nil {
		go stream.Run(ctx)
	}
	if telegram != nil {
		go telegram.Run(ctx)
	}

	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				log.Warn().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
	}

	if err := store.LogEvent(storage.LevelInfo, "WORKER_START", map[string]any{
		"mode": string(cfg.TradingMode),
	}); err != nil {
		log.Warn().Err(err).Msg("could not log start event")
	}
	channel.SendMessage(fmt.Sprintf("🤖 Trading bot started in *%s* mode.", cfg.TradingMode))

	// Blocks until the shutdown signal.
	sched.Run(ctx)

	exec.Shutdown()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown()
	}
	if err := store.LogEvent(storage.LevelInfo, "WORKER_STOP", nil); err != nil {
		log.Warn().Err(err).Msg("could not log stop event")
	}
	log.Info().Msg("worker stopped")
}

// registerJobs wires the trigger calendar to the executor.
func registerJobs(sched *scheduler.Scheduler, exec *executor.Executor, cfg *config.Config, log zerolog.Logger) {
	sched.RegisterJob(scheduler.Job{
		ID:              "morning_signal",
		Name:            "Execute Morning Signal",
		Trigger:         scheduler.At(9, 35),
		Grace:           5 * time.Minute,
		TradingDaysOnly: true,
		Run: func(ctx context.Context) {
			result := exec.ExecuteSignal(ctx, nil, false)
			logResult(log, "morning signal", result)
		},
	})

	if cfg.Strategy.CrashDayEnabled {
		sched.RegisterJob(scheduler.Job{
			ID:              "crash_day_check",
			Name:            "Crash Day Monitor",
			Trigger:         scheduler.Every(15*time.Minute, 9, 45, 11, 45),
			Grace:           2 * time.Minute,
			TradingDaysOnly: true,
			Run: func(ctx context.Context) {
				sig := exec.TodaySignal()
				if sig.Signal != strategy.SignalCrashDay {
					return
				}
				log.Info().Float64("drop_pct", sig.CrashStatus.CurrentDropPct).Msg("crash day triggered")
				// Time-critical, market-moving signal: skip the approval wait.
				result := exec.ExecuteSignal(ctx, &sig, true)
				logResult(log, "crash day", result)
			},
		})
	}

	if cfg.Strategy.PumpDayEnabled {
		sched.RegisterJob(scheduler.Job{
			ID:              "pump_day_check",
			Name:            "Pump Day Monitor",
			Trigger:         scheduler.Every(15*time.Minute, 9, 45, 11, 45),
			Grace:           2 * time.Minute,
			TradingDaysOnly: true,
			Run: func(ctx context.Context) {
				sig := exec.TodaySignal()
				if sig.Signal != strategy.SignalPumpDay {
					return
				}
				log.Info().Float64("gain_pct", sig.PumpStatus.CurrentGainPct).Msg("pump day triggered")
				result := exec.ExecuteSignal(ctx, &sig, true)
				logResult(log, "pump day", result)
			},
		})
	}

	sched.RegisterJob(scheduler.Job{
		ID:              "hedge_check",
		Name:            "Trailing Hedge Monitor",
		Trigger:         scheduler.Every(5*time.Minute, 10, 0, 15, 50),
		Grace:           2 * time.Minute,
		TradingDaysOnly: true,
		Run: func(ctx context.Context) {
			if result := exec.CheckAndExecuteHedge(ctx); result != nil {
				logResult(log, "hedge", *result)
			}
			if result := exec.CheckAndExecuteReversal(ctx); result != nil {
				logResult(log, "reversal", *result)
			}
		},
	})

	sched.RegisterJob(scheduler.Job{
		ID:              "close_positions",
		Name:            "Close Positions",
		Trigger:         scheduler.At(15, 55),
		Grace:           5 * time.Minute,
		TradingDaysOnly: true,
		Run: func(ctx context.Context) {
			for _, result := range exec.CloseAllPositions(ctx, "end of day") {
				logResult(log, "eod close", result)
			}
		},
	})

	if cfg.TradingMode == config.ModeLive {
		sched.RegisterJob(scheduler.Job{
			ID:      "renew_token",
			Name:    "Renew Broker Token",
			Trigger: scheduler.At(8, 0),
			Grace:   time.Hour,
			Run: func(ctx context.Context) {
				if err := exec.RenewBrokerToken(ctx); err != nil {
					log.Error().Err(err).Msg("token renewal failed")
				}
			},
		})
	}
}

func logResult(log zerolog.Logger, job string, r executor.TradeResult) {
	if r.Success {
		log.Info().Str("job", job).Str("action", string(r.Action)).
			Str("etf", r.Instrument).Int("shares", r.Shares).
			Float64("price", r.Price).Msg("trade result")
	} else {
		log.Error().Str("job", job).Str("err", r.Err).Msg("trade failed")
	}
}
