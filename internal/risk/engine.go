package risk

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/config"
	"github.com/mossriver/ironfly/internal/errs"
	"github.com/mossriver/ironfly/internal/logging"
	"github.com/mossriver/ironfly/internal/models"
	"github.com/mossriver/ironfly/internal/positions"
)

const closeAttempts = 3

// Engine applies the risk rules to each snapshot the monitor publishes.
//
// Per position, when net premium is positive: stop-loss fires at a loss of
// StopLossPct of the premium, profit target at a gain of ProfitTargetPct.
// Stop-loss wins when both hold on the same tick. Across the portfolio,
// a mark-to-market drawdown of PortfolioRiskPct of the summed max loss
// latches the engine, flattens everything, and requests emergency shutdown.
// The latch never resets within a session.
type Engine struct {
	closer *positions.Closer
	events *logging.EventLogger
	sink   alerts.Sink
	logger *log.Logger

	stopLossPct     float64
	profitTargetPct float64
	portfolioPct    float64

	latched atomic.Bool

	// emergency requests an emergency shutdown after a portfolio stop.
	// Called at most once, from the engine's own goroutine.
	emergency func(reason string)
}

// NewEngine wires the risk rules to the closer and alert sink.
func NewEngine(closer *positions.Closer, cfg config.RiskConfig, events *logging.EventLogger,
	sink alerts.Sink, logger *log.Logger, emergency func(reason string)) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[RISK] ", log.LstdFlags)
	}
	if sink == nil {
		sink = alerts.Noop{}
	}
	if emergency == nil {
		emergency = func(string) {}
	}
	return &Engine{
		closer:          closer,
		events:          events,
		sink:            sink,
		logger:          logger,
		stopLossPct:     cfg.StopLossPct,
		profitTargetPct: cfg.ProfitTargetPct,
		portfolioPct:    cfg.PortfolioRiskPct,
		emergency:       emergency,
	}
}

// Latched reports whether the portfolio stop-loss has fired this session.
func (e *Engine) Latched() bool {
	return e.latched.Load()
}

// Run consumes snapshots until the channel closes or the context is canceled.
func (e *Engine) Run(ctx context.Context, snaps <-chan positions.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("risk engine stopped: %v", ctx.Err())
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			e.Evaluate(ctx, snap)
		}
	}
}

// Evaluate applies the portfolio rule, then the per-position rules, to one
// snapshot. Closes run synchronously; the monitor drops stale snapshots
// while the engine is busy.
func (e *Engine) Evaluate(ctx context.Context, snap positions.Snapshot) {
	if e.latched.Load() {
		return
	}
	if e.portfolioBreached(snap.Metrics) {
		e.triggerPortfolioStop(ctx, snap)
		return
	}
	for _, view := range snap.Positions {
		if view.Status.Terminal() {
			continue
		}
		e.evaluatePosition(ctx, view)
	}
}

// portfolioBreached checks the drawdown against the summed max loss.
// A portfolio with no max-loss capacity never breaches.
func (e *Engine) portfolioBreached(m models.PortfolioRiskMetrics) bool {
	if m.TotalMaxLoss.Sign() <= 0 {
		return false
	}
	threshold := m.TotalMaxLoss.Mul(decimal.NewFromFloat(e.portfolioPct)).Div(decimal.NewFromInt(100)).Neg()
	return m.TotalMTM.LessThanOrEqual(threshold)
}

func (e *Engine) triggerPortfolioStop(ctx context.Context, snap positions.Snapshot) {
	if !e.latched.CompareAndSwap(false, true) {
		return
	}
	m := snap.Metrics
	threshold := m.TotalMaxLoss.Mul(decimal.NewFromFloat(e.portfolioPct)).Div(decimal.NewFromInt(100)).Neg()
	violation := &errs.RiskViolation{
		Kind:      errs.RiskPortfolioStopLoss,
		Current:   m.TotalMTM,
		Threshold: threshold,
	}
	e.logger.Printf("%v", violation)
	e.events.Emit(logging.EventRisk, logging.Fields{
		"rule":           errs.RiskPortfolioStopLoss,
		"total_mtm":      m.TotalMTM.String(),
		"total_max_loss": m.TotalMaxLoss.String(),
		"open_positions": m.OpenPositions,
	})
	e.sink.Alert(fmt.Sprintf(
		"PORTFOLIO STOP-LOSS TRIGGERED\nTotal MTM: %s\nTotal max loss: %s\nThreshold: %s%%\nClosing all %d positions and shutting down",
		m.TotalMTM, m.TotalMaxLoss, decimal.NewFromFloat(e.portfolioPct), m.OpenPositions))

	e.closer.CloseAll(ctx, models.PositionClosedRisk, "Portfolio stop-loss triggered")
	e.emergency("portfolio stop-loss")
}

// evaluatePosition applies stop-loss, then profit target. Positions whose
// fills produced no net credit are left to the portfolio rule alone.
func (e *Engine) evaluatePosition(ctx context.Context, view positions.PositionView) {
	if view.NetPremium.Sign() <= 0 {
		return
	}
	hundred := decimal.NewFromInt(100)

	slThreshold := view.NetPremium.Mul(decimal.NewFromFloat(e.stopLossPct)).Div(hundred).Neg()
	if view.PnL.LessThanOrEqual(slThreshold) {
		reason := fmt.Sprintf("Stop-loss: %.1f%%", e.stopLossPct)
		e.events.Emit(logging.EventRisk, logging.Fields{
			"rule":        errs.RiskPositionStopLoss,
			"position_id": view.ID,
			"pnl":         view.PnL.String(),
			"threshold":   slThreshold.String(),
		})
		if err := e.closer.CloseWithRetry(ctx, view.ID, models.PositionClosedLoss, reason, closeAttempts); err != nil {
			e.logger.Printf("stop-loss close of %s failed: %v", view.ID, err)
		}
		return
	}

	tpThreshold := view.NetPremium.Mul(decimal.NewFromFloat(e.profitTargetPct)).Div(hundred)
	if view.PnL.GreaterThanOrEqual(tpThreshold) {
		reason := fmt.Sprintf("Profit target: %.1f%%", e.profitTargetPct)
		e.events.Emit(logging.EventRisk, logging.Fields{
			"rule":        "PROFIT_TARGET",
			"position_id": view.ID,
			"pnl":         view.PnL.String(),
			"threshold":   tpThreshold.String(),
		})
		if err := e.closer.CloseWithRetry(ctx, view.ID, models.PositionClosedProfit, reason, closeAttempts); err != nil {
			e.logger.Printf("profit-target close of %s failed: %v", view.ID, err)
		}
	}
}
