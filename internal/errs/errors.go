// Package errs defines the engine's closed error taxonomy and the
// repeat-error alert limiter. Worker roots classify every failure into one
// of these variants to decide between retrying locally and escalating.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Error codes shared across packages.
const (
	CodeCircuitOpen         = "CIRCUIT_BREAKER_OPEN"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
)

// Risk violation kinds.
const (
	RiskPortfolioStopLoss = "PORTFOLIO_STOP_LOSS"
	RiskPositionStopLoss  = "POSITION_STOP_LOSS"
)

// APIError is a venue fault carrying the HTTP status and venue error code.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s: %s", e.Status, e.Code, e.Msg)
}

// IsRateLimit reports whether the venue throttled the request.
func (e *APIError) IsRateLimit() bool {
	return e.Status == 429 || strings.Contains(e.Code, "RATE_LIMIT")
}

// IsAuth reports whether the request was rejected for bad credentials.
func (e *APIError) IsAuth() bool {
	if e.Status == 401 || e.Status == 403 {
		return true
	}
	switch e.Code {
	case "INVALID_SIGNATURE", "INVALID_API_KEY":
		return true
	}
	return false
}

// Recoverable: rate limits recover, auth errors never do, any other 4xx/5xx
// does not, everything else (network-level faults) defaults to recoverable.
func (e *APIError) Recoverable() bool {
	if e.IsRateLimit() {
		return true
	}
	if e.IsAuth() {
		return false
	}
	if e.Status >= 400 {
		return false
	}
	return true
}

// ConfigError names the offending configuration key. Always fatal.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Msg)
}

func (e *ConfigError) Recoverable() bool { return false }

// RiskViolation records a breached risk threshold. Always fatal for the
// workflow that observes it.
type RiskViolation struct {
	Kind      string
	Current   decimal.Decimal
	Threshold decimal.Decimal
}

func (e *RiskViolation) Error() string {
	return fmt.Sprintf("risk violation: %s: current=%s threshold=%s",
		e.Kind, e.Current, e.Threshold)
}

func (e *RiskViolation) Recoverable() bool { return false }

// OrderExecutionError is a failure placing, modifying, or canceling an order.
type OrderExecutionError struct {
	OrderID string
	Symbol  string
	Code    string
	Msg     string
}

func (e *OrderExecutionError) Error() string {
	return fmt.Sprintf("order execution error: order=%s symbol=%s code=%s: %s",
		e.OrderID, e.Symbol, e.Code, e.Msg)
}

func (e *OrderExecutionError) Recoverable() bool {
	return e.Code != CodeInsufficientBalance
}

type recoverable interface {
	Recoverable() bool
}

// Recoverable classifies err. Errors outside the taxonomy default to
// recoverable; only a worker root escalates them.
func Recoverable(err error) bool {
	var r recoverable
	if errors.As(err, &r) {
		return r.Recoverable()
	}
	return true
}

// IsRateLimit reports whether err is a venue rate-limit fault.
func IsRateLimit(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.IsRateLimit()
}

// IsCircuitOpen reports whether err is the fail-fast circuit breaker error.
func IsCircuitOpen(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Code == CodeCircuitOpen
}
