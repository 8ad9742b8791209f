// Package price resolves USD prices for asset price ids.
package price

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/crypto_settlement/errs"
)

// Oracle returns the USD price of one unit of the asset identified by priceID.
// Failures wrap errs.ErrExternalUnavailable.
type Oracle interface {
	USDPrice(ctx context.Context, priceID string) (decimal.Decimal, error)
}

// Fixed serves configured prices and falls through to next for everything else.
type Fixed struct {
	prices map[string]decimal.Decimal
	next   Oracle
}

// NewFixed parses prices (id -> decimal USD). next may be nil.
func NewFixed(prices map[string]string, next Oracle) (*Fixed, error) {
	f := &Fixed{prices: make(map[string]decimal.Decimal, len(prices)), next: next}
	for id, s := range prices {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("fixed price %s: %w", id, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("fixed price %s must be positive", id)
		}
		f.prices[id] = d
	}
	return f, nil
}

func (f *Fixed) USDPrice(ctx context.Context, priceID string) (decimal.Decimal, error) {
	if d, ok := f.prices[priceID]; ok {
		return d, nil
	}
	if f.next == nil {
		return decimal.Zero, errs.External("price "+priceID, fmt.Errorf("no price source"))
	}
	return f.next.USDPrice(ctx, priceID)
}
