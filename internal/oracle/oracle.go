package oracle

import (
	"fmt"
	"math/big"
)

// Oracle prices pools and collateral assets in Q128 quote units.
type Oracle interface {
	MarkPriceX128(id string, now int64) (*big.Int, error)
}

// Fixed is a scripted oracle for tests and fixtures.
type Fixed struct {
	prices map[string]*big.Int
}

func NewFixed() *Fixed {
	return &Fixed{prices: make(map[string]*big.Int)}
}

func (f *Fixed) Set(id string, priceX128 *big.Int) {
	f.prices[id] = new(big.Int).Set(priceX128)
}

func (f *Fixed) MarkPriceX128(id string, now int64) (*big.Int, error) {
	p, ok := f.prices[id]
	if !ok {
		return nil, fmt.Errorf("no price for %q", id)
	}
	return new(big.Int).Set(p), nil
}
