package auction

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auction-engine/internal/config"
)

var hundred = decimal.NewFromInt(100)

// FeeTier charges Percent on the part of the hammer price up to UpTo.
// UpTo of zero means unbounded and is only allowed on the last tier.
type FeeTier struct {
	UpTo    int64
	Percent decimal.Decimal
}

// FeeSchedule is a sliding percentage fee with a floor. A waived schedule
// charges nothing.
type FeeSchedule struct {
	Tiers  []FeeTier
	Floor  int64
	Waived bool
}

// Fee is the outcome of a fee calculation. Amounts are minor units.
type Fee struct {
	Fee         int64
	NetProceeds int64
}

// NewFeeSchedule builds a FeeSchedule from configuration.
func NewFeeSchedule(cfg config.FeeConfig) (FeeSchedule, error) {
	s := FeeSchedule{Floor: cfg.Floor, Waived: cfg.Waived}
	for i, t := range cfg.Tiers {
		pct, err := decimal.NewFromString(t.Percent)
		if err != nil {
			return FeeSchedule{}, fmt.Errorf("%w: fee tier %d percent %q: %v", ErrConfiguration, i, t.Percent, err)
		}
		s.Tiers = append(s.Tiers, FeeTier{UpTo: t.UpTo, Percent: pct})
	}
	if err := s.Validate(); err != nil {
		return FeeSchedule{}, err
	}
	return s, nil
}

// Validate checks that tiers are ascending and percentages lie in [0, 100].
func (s FeeSchedule) Validate() error {
	if s.Floor < 0 {
		return fmt.Errorf("%w: fee floor must not be negative", ErrConfiguration)
	}
	var prev int64
	for i, t := range s.Tiers {
		if t.Percent.IsNegative() || t.Percent.GreaterThan(hundred) {
			return fmt.Errorf("%w: fee tier %d percent must be between 0 and 100", ErrConfiguration, i)
		}
		last := i == len(s.Tiers)-1
		switch {
		case t.UpTo == 0 && !last:
			return fmt.Errorf("%w: only the last fee tier may be unbounded", ErrConfiguration)
		case t.UpTo != 0 && t.UpTo <= prev:
			return fmt.Errorf("%w: fee tier %d bound must increase", ErrConfiguration, i)
		}
		prev = t.UpTo
	}
	return nil
}

// Calculate returns the platform fee and net proceeds for a hammer price.
// Each tier charges its percentage on the slice of the price it covers; the
// total is rounded to minor units, raised to the floor and capped at the
// price.
func (s FeeSchedule) Calculate(hammer int64) (Fee, error) {
	if hammer < 0 {
		return Fee{}, fmt.Errorf("%w: negative hammer price %d", ErrConfiguration, hammer)
	}
	if s.Waived || hammer == 0 {
		return Fee{NetProceeds: hammer}, nil
	}
	if err := s.Validate(); err != nil {
		return Fee{}, err
	}

	price := decimal.NewFromInt(hammer)
	total := decimal.Zero
	lower := decimal.Zero
	for _, t := range s.Tiers {
		upper := price
		if t.UpTo != 0 {
			upper = decimal.Min(price, decimal.NewFromInt(t.UpTo))
		}
		if upper.LessThanOrEqual(lower) {
			break
		}
		total = total.Add(upper.Sub(lower).Mul(t.Percent).Div(hundred))
		lower = upper
	}

	fee := total.Round(0).IntPart()
	fee = max(fee, s.Floor)
	fee = min(fee, hammer)
	return Fee{Fee: fee, NetProceeds: hammer - fee}, nil
}
