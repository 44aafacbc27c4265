package hedge

import (
	"dn-hedge-bot/internal/bbo"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/venue"
)

// taker reports whether mode crosses the spread.
func taker(mode string) bool {
	return mode == config.PricingMarket
}

// makerPrice derives a post-only price from the current BBO.
//
//	at_bid           join the best price on our side
//	one_tick_inside  improve it by one tick without crossing
//	aggressive       sit one tick behind the opposite best
func makerPrice(mode string, side venue.Side, bid, ask, tick float64) float64 {
	if tick <= 0 {
		tick = defaultTick((bid + ask) / 2)
	}
	switch mode {
	case config.PricingOneTickInside:
		if side == venue.Buy {
			if p := bid + tick; p < ask {
				return p
			}
			return bid
		}
		if p := ask - tick; p > bid {
			return p
		}
		return ask
	case config.PricingAggressive:
		if side == venue.Buy {
			if p := ask - tick; p > bid {
				return p
			}
			return bid
		}
		if p := bid + tick; p < ask {
			return p
		}
		return ask
	default:
		if side == venue.Buy {
			return bid
		}
		return ask
	}
}

// defaultTick is one basis point of price.
func defaultTick(mid float64) float64 {
	return mid * 1e-4
}

// takerRef is the opposite-side best a taker order is referenced to.
func takerRef(side venue.Side, bid, ask float64) float64 {
	if side == venue.Buy {
		return ask
	}
	return bid
}

// adjustForSignals applies the analyzer's view to a primary pricing mode.
// A widening spread blocks entry; momentum running away from the order
// promotes passive pricing by one step.
func adjustForSignals(mode string, side venue.Side, spread bbo.SpreadState, momentum bbo.MomentumState) (string, bool) {
	if spread == bbo.SpreadWidening {
		return mode, false
	}
	adverse := (side == venue.Buy && momentum == bbo.MomentumBullish) ||
		(side == venue.Sell && momentum == bbo.MomentumBearish)
	if adverse && mode == config.PricingAtBid {
		return config.PricingOneTickInside, true
	}
	return mode, true
}
