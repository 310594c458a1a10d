package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/config"
	"github.com/mossriver/ironfly/internal/exec"
	"github.com/mossriver/ironfly/internal/logging"
	"github.com/mossriver/ironfly/internal/market"
	"github.com/mossriver/ironfly/internal/positions"
	"github.com/mossriver/ironfly/internal/resilience"
	"github.com/mossriver/ironfly/internal/risk"
	"github.com/mossriver/ironfly/internal/session"
	"github.com/mossriver/ironfly/internal/shutdown"
	"github.com/mossriver/ironfly/internal/strategy"
	"github.com/mossriver/ironfly/internal/venue"
)

// priceTick is the venue's option price increment.
var priceTick = decimal.RequireFromString("0.1")

// Bot wires every component of the engine together for one session.
type Bot struct {
	cfg    *config.Config
	logger *log.Logger
	events *logging.EventLogger
	sink   alerts.Sink

	market      *market.Service
	book        *positions.Book
	controller  *session.Controller
	scheduler   *session.Scheduler
	monitor     *risk.Monitor
	engine      *risk.Engine
	coordinator *shutdown.Coordinator

	telegram *alerts.Telegram
	// stop breaks every in-flight fill loop; cancel tears down the session.
	stop   chan struct{}
	cancel context.CancelFunc
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	out := logging.MultiOutput(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	logger := log.New(out, "[BOT] ", log.LstdFlags)
	events := logging.NewEventLogger(out)

	bot := newBot(cfg, logger, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bot.cancel = cancel

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Printf("received %s, shutting down", sig)
		bot.coordinator.Graceful(fmt.Sprintf("signal %s", sig))
	}()

	os.Exit(bot.Run(ctx))
}

func newBot(cfg *config.Config, logger *log.Logger, events *logging.EventLogger) *Bot {
	bot := &Bot{
		cfg:    cfg,
		logger: logger,
		events: events,
		stop:   make(chan struct{}),
	}

	if cfg.TelegramEnabled() {
		bot.telegram = alerts.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		bot.sink = bot.telegram
	} else {
		logger.Println("telegram not configured, alerts go to the log only")
		bot.sink = alerts.Noop{}
	}

	client := venue.NewRESTClient(cfg.Venue.BaseURL, cfg.Venue.APIKey,
		venue.HMACSigner(cfg.Venue.APISecret), logger, venue.Config{
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
			MarketRPS:      10,
			OrderRPS:       5,
			DryRun:         cfg.Venue.DryRun,
		})

	breaker := resilience.NewBreaker("venue", logger)
	wrapper := resilience.NewWrapper(breaker, logger)

	bot.market = market.NewService(client, wrapper, cfg.Strategy.Underlying, logger)
	bot.book = positions.NewBook(logger)

	driverCfg := exec.Config{
		PollInterval:      cfg.OrderUpdateInterval(),
		OrderTimeout:      cfg.OrderTimeout(),
		RateLimitSleepCap: 30 * time.Second,
		ErrorSleepCap:     5 * time.Second,
		Tick:              priceTick,
	}
	// Entry orders abort on the stop channel; close orders must keep running
	// through shutdown, bounded by their own context deadline instead.
	driver := exec.NewDriver(client, wrapper, events, bot.sink, logger, bot.stop, driverCfg)
	closeDriver := exec.NewDriver(client, wrapper, events, bot.sink, logger, nil, driverCfg)
	closer := positions.NewCloser(bot.book, closeDriver, bot.market, events, bot.sink, logger, priceTick)
	builder := strategy.NewBuilder(bot.market, driver, bot.book, events, bot.sink, logger,
		cfg.Quantity(), cfg.Strategy.StrikeDistance)

	bot.controller = session.NewController(cfg, events, bot.sink, logger)
	bot.monitor = risk.NewMonitor(bot.book, bot.market, cfg.OrderUpdateInterval(), bot.sink, logger)

	bot.coordinator = shutdown.NewCoordinator(closer, bot.book, events, bot.sink, logger,
		func() {
			close(bot.stop)
			if bot.cancel != nil {
				bot.cancel()
			}
		}, nil)
	bot.engine = risk.NewEngine(closer, cfg.Risk, events, bot.sink, logger,
		bot.coordinator.Emergency)

	bot.scheduler = session.NewScheduler(
		session.CycleFunc(func(ctx context.Context) error {
			_, err := builder.OpenButterfly(ctx)
			return err
		}),
		cfg.Session.NumberOfCycles, cfg.CycleInterval(), bot.engine.Latched,
		events, bot.sink, logger)

	return bot
}

// Run drives one session end to end and returns the process exit code.
func (b *Bot) Run(ctx context.Context) int {
	b.events.Emit(logging.EventApplicationStarted, logging.Fields{
		"underlying": b.cfg.Strategy.Underlying,
		"session":    fmt.Sprintf("%s-%s", b.cfg.Session.Start, b.cfg.Session.End),
		"cycles":     b.cfg.Session.NumberOfCycles,
		"dry_run":    b.cfg.Venue.DryRun,
	})

	// Verify venue connectivity before touching the session.
	ref, err := b.market.ReferencePrice(ctx)
	if err != nil {
		b.logger.Printf("venue connectivity check failed: %v", err)
		b.sink.Alert(fmt.Sprintf("Engine failed to start: venue unreachable\n%v", err))
		b.flushAlerts()
		return 1
	}
	b.logger.Printf("connected to venue, %s index at %s", b.cfg.Strategy.Underlying, ref)

	mode := "LIVE"
	if b.cfg.Venue.DryRun {
		mode = "DRY-RUN"
	}
	b.sink.Notify(fmt.Sprintf(
		"Engine started (%s)\nUnderlying: %s index %s\nSession: %s-%s %s\nCycles: %d every %d min, qty %s\n"+
			"No position persistence: positions from a previous run need manual cleanup",
		mode, b.cfg.Strategy.Underlying, ref,
		b.cfg.Session.Start, b.cfg.Session.End, b.cfg.Location(),
		b.cfg.Session.NumberOfCycles, b.cfg.Session.CycleIntervalMinutes, b.cfg.Quantity()))

	err = b.controller.Run(ctx, func(wctx context.Context) {
		go b.guard("monitor", func() { b.monitor.Run(wctx) })
		go b.guard("risk engine", func() { b.engine.Run(wctx, b.monitor.Snapshots()) })
		go b.guard("scheduler", func() { b.scheduler.Run(wctx) })
	})
	if err != nil {
		b.logger.Printf("session aborted: %v", err)
	}

	if b.controller.State() == session.StateMissed {
		b.flushAlerts()
		return 0
	}

	b.coordinator.Graceful("session ended")
	b.coordinator.Wait()
	b.flushAlerts()
	return b.coordinator.ExitCode()
}

// guard turns a worker panic into an emergency shutdown instead of a
// process crash with open positions.
func (b *Bot) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("panic in %s: %v", name, r)
			b.events.Emit(logging.EventUncaughtException, logging.Fields{
				"worker": name,
				"panic":  fmt.Sprint(r),
			})
			b.coordinator.Emergency(fmt.Sprintf("panic in %s worker", name))
		}
	}()
	fn()
}

// flushAlerts gives in-flight telegram sends a moment to land.
func (b *Bot) flushAlerts() {
	if b.telegram != nil {
		b.telegram.Flush(5 * time.Second)
	}
}
