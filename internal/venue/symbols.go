package venue

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mossriver/ironfly/internal/models"
)

// Option symbols follow UNDERLYING-YYMMDD-STRIKE-C|P, e.g.
// BTC-260314-90000-C.

// FormatSymbol builds a venue option symbol.
func FormatSymbol(underlying string, expiry time.Time, strike decimal.Decimal, kind models.Kind) string {
	suffix := "C"
	if kind == models.Put {
		suffix = "P"
	}
	return fmt.Sprintf("%s-%s-%s-%s", underlying, expiry.Format("060102"), strike.String(), suffix)
}

// ParseSymbol splits a venue option symbol into its parts.
func ParseSymbol(symbol string) (underlying string, expiry time.Time, strike decimal.Decimal, kind models.Kind, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 4 {
		err = fmt.Errorf("malformed option symbol %q", symbol)
		return
	}
	underlying = parts[0]

	expiry, err = time.ParseInLocation("060102", parts[1], time.UTC)
	if err != nil {
		err = fmt.Errorf("malformed expiry in symbol %q: %w", symbol, err)
		return
	}

	strike, err = decimal.NewFromString(parts[2])
	if err != nil {
		err = fmt.Errorf("malformed strike in symbol %q: %w", symbol, err)
		return
	}

	switch parts[3] {
	case "C":
		kind = models.Call
	case "P":
		kind = models.Put
	default:
		err = fmt.Errorf("malformed side in symbol %q", symbol)
	}
	return
}
