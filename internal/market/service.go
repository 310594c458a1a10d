package market

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mossriver/ironfly/internal/models"
	"github.com/mossriver/ironfly/internal/resilience"
	"github.com/mossriver/ironfly/internal/venue"
)

// Service answers market-data questions for the builder and monitor. Every
// venue call goes through the resilience wrapper.
type Service struct {
	venue      venue.Client
	wrapper    *resilience.Wrapper
	underlying string
	logger     *log.Logger
	now        func() time.Time
}

// NewService builds a market data service for one underlying.
func NewService(client venue.Client, wrapper *resilience.Wrapper, underlying string, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[MARKET] ", log.LstdFlags)
	}
	return &Service{
		venue:      client,
		wrapper:    wrapper,
		underlying: underlying,
		logger:     logger,
		now:        time.Now,
	}
}

// ReferencePrice returns the underlying's index price.
func (s *Service) ReferencePrice(ctx context.Context) (decimal.Decimal, error) {
	return resilience.Exec(ctx, s.wrapper, "referencePrice",
		func(ctx context.Context) (decimal.Decimal, error) {
			return s.venue.ReferencePrice(ctx, s.underlying)
		})
}

// NearestExpiry returns the earliest listed expiry on or after today (UTC).
func (s *Service) NearestExpiry(ctx context.Context) (time.Time, error) {
	expiries, err := resilience.Exec(ctx, s.wrapper, "expiries",
		func(ctx context.Context) ([]time.Time, error) {
			return s.venue.Expiries(ctx, s.underlying)
		})
	if err != nil {
		return time.Time{}, err
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	for _, e := range expiries {
		if !e.Truncate(24 * time.Hour).Before(today) {
			return e, nil
		}
	}
	return time.Time{}, fmt.Errorf("no expiry on or after %s among %d listed",
		today.Format("2006-01-02"), len(expiries))
}

// Chain fetches the full options chain for the expiry.
func (s *Service) Chain(ctx context.Context, expiry time.Time) ([]models.OptionContract, error) {
	return resilience.Exec(ctx, s.wrapper, "optionsChain",
		func(ctx context.Context) ([]models.OptionContract, error) {
			return s.venue.OptionsChain(ctx, s.underlying, expiry)
		})
}

// Book fetches the top of book for one symbol.
func (s *Service) Book(ctx context.Context, symbol string) (*models.OrderBook, error) {
	return resilience.Exec(ctx, s.wrapper, "book",
		func(ctx context.Context) (*models.OrderBook, error) {
			return s.venue.Book(ctx, symbol, 10)
		})
}

// SelectButterfly fetches the current chain and picks the four contracts.
// A mismatched ATM strike is retried once with fresh data before failing
// the cycle.
func (s *Service) SelectButterfly(ctx context.Context, distance int) (*Selection, error) {
	ref, err := s.ReferencePrice(ctx)
	if err != nil {
		return nil, err
	}
	expiry, err := s.NearestExpiry(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		chain, err := s.Chain(ctx, expiry)
		if err != nil {
			return nil, err
		}
		sel, err := SelectButterfly(chain, ref, distance)
		if err == nil {
			s.logger.Printf("selected butterfly: K=%s step=%s wings=%s/%s expiry=%s",
				sel.Strike, sel.GridStep, sel.OTMPut.Strike, sel.OTMCall.Strike,
				expiry.Format("2006-01-02"))
			return sel, nil
		}
		lastErr = err
		s.logger.Printf("strike selection attempt %d failed: %v", attempt+1, err)
	}
	return nil, fmt.Errorf("strike selection failed: %w", lastErr)
}
