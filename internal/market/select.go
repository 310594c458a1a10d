// Package market derives trading decisions from venue market data: expiry
// selection, strike-grid inference, and ATM/OTM contract selection.
package market

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mossriver/ironfly/internal/models"
)

// Selection is the set of contracts making up one iron butterfly.
type Selection struct {
	ATMCall models.OptionContract
	ATMPut  models.OptionContract
	OTMCall models.OptionContract
	OTMPut  models.OptionContract

	// Strike is the shared ATM strike K.
	Strike decimal.Decimal
	// GridStep is the inferred strike spacing.
	GridStep decimal.Decimal
}

// GridStep infers the strike grid spacing as the modal pairwise spacing of
// the sorted distinct strikes. Ties resolve to the smaller spacing. Returns
// zero when fewer than two distinct strikes exist.
func GridStep(strikes []decimal.Decimal) decimal.Decimal {
	distinct := distinctSorted(strikes)
	if len(distinct) < 2 {
		return decimal.Zero
	}

	freq := make(map[string]int)
	vals := make(map[string]decimal.Decimal)
	for i := 1; i < len(distinct); i++ {
		diff := distinct[i].Sub(distinct[i-1])
		key := diff.String()
		freq[key]++
		vals[key] = diff
	}

	best := decimal.Zero
	bestCount := 0
	for key, count := range freq {
		v := vals[key]
		if count > bestCount || (count == bestCount && v.LessThan(best)) {
			best = v
			bestCount = count
		}
	}
	return best
}

// SelectButterfly picks the four contracts for an iron butterfly around the
// reference price. distance is the wing offset in grid steps.
//
// The ATM call and put each minimise |strike - ref| within their kind, ties
// resolving to the smaller strike; they must land on the same strike K. The
// OTM call is the closest call strike above K at least distance*step away,
// the OTM put the mirror below.
func SelectButterfly(chain []models.OptionContract, ref decimal.Decimal, distance int) (*Selection, error) {
	var calls, puts []models.OptionContract
	var strikes []decimal.Decimal
	for _, c := range chain {
		strikes = append(strikes, c.Strike)
		switch c.Kind {
		case models.Call:
			calls = append(calls, c)
		case models.Put:
			puts = append(puts, c)
		}
	}
	if len(calls) == 0 || len(puts) == 0 {
		return nil, fmt.Errorf("chain has %d calls and %d puts", len(calls), len(puts))
	}

	step := GridStep(strikes)
	if step.Sign() <= 0 {
		return nil, fmt.Errorf("cannot infer strike grid from %d strikes", len(strikes))
	}

	atmCall := nearest(calls, ref)
	atmPut := nearest(puts, ref)
	if !atmCall.Strike.Equal(atmPut.Strike) {
		return nil, fmt.Errorf("ATM call strike %s and put strike %s differ",
			atmCall.Strike, atmPut.Strike)
	}
	k := atmCall.Strike
	minOffset := step.Mul(decimal.NewFromInt(int64(distance)))

	otmCall, ok := closestBeyond(calls, k, minOffset, true)
	if !ok {
		return nil, fmt.Errorf("no call strike >= %s above ATM %s", minOffset, k)
	}
	otmPut, ok := closestBeyond(puts, k, minOffset, false)
	if !ok {
		return nil, fmt.Errorf("no put strike >= %s below ATM %s", minOffset, k)
	}

	return &Selection{
		ATMCall:  atmCall,
		ATMPut:   atmPut,
		OTMCall:  otmCall,
		OTMPut:   otmPut,
		Strike:   k,
		GridStep: step,
	}, nil
}

// nearest returns the contract minimising |strike - ref|, ties to the
// smaller strike.
func nearest(contracts []models.OptionContract, ref decimal.Decimal) models.OptionContract {
	best := contracts[0]
	bestDist := best.Strike.Sub(ref).Abs()
	for _, c := range contracts[1:] {
		dist := c.Strike.Sub(ref).Abs()
		if dist.LessThan(bestDist) || (dist.Equal(bestDist) && c.Strike.LessThan(best.Strike)) {
			best = c
			bestDist = dist
		}
	}
	return best
}

// closestBeyond finds the contract whose strike is at least minOffset away
// from k on the given side (above when up), choosing the closest such.
func closestBeyond(contracts []models.OptionContract, k, minOffset decimal.Decimal, up bool) (models.OptionContract, bool) {
	var best models.OptionContract
	found := false
	for _, c := range contracts {
		var offset decimal.Decimal
		if up {
			offset = c.Strike.Sub(k)
		} else {
			offset = k.Sub(c.Strike)
		}
		if offset.LessThan(minOffset) || offset.Sign() <= 0 {
			continue
		}
		if !found {
			best = c
			found = true
			continue
		}
		var bestOffset decimal.Decimal
		if up {
			bestOffset = best.Strike.Sub(k)
		} else {
			bestOffset = k.Sub(best.Strike)
		}
		if offset.LessThan(bestOffset) {
			best = c
		}
	}
	return best, found
}

func distinctSorted(strikes []decimal.Decimal) []decimal.Decimal {
	seen := make(map[string]struct{})
	var out []decimal.Decimal
	for _, s := range strikes {
		key := s.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}
