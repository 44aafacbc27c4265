package venue

import (
	"github.com/shopspring/decimal"
)

// RoundToTick snaps price to a multiple of tick. Maker orders round away from the
// opposite side (buy down, sell up) so they stay non-marketable; taker orders
// round toward it so they stay marketable.
func RoundToTick(price, tick float64, side Side, maker bool) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t)
	roundDown := (side == Buy) == maker
	if roundDown {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	out, _ := steps.Mul(t).Float64()
	return out
}

// RoundQtyDown truncates qty to a multiple of step.
func RoundQtyDown(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}

// SlippagePrice moves ref by bps in the direction that makes side more aggressive.
func SlippagePrice(ref, bps float64, side Side) float64 {
	if ref <= 0 {
		return ref
	}
	return ref * (1 + side.Sign()*bps/10000)
}
