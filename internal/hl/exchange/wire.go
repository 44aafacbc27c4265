package exchange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	maxPerpDecimals   = 6
	maxSignificantFig = 5
)

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// PriceTick is the price granularity for px: five significant figures, at most
// 6-szDecimals decimals, integers always allowed.
func PriceTick(px float64, szDecimals int) float64 {
	if px <= 0 {
		return 0
	}
	decimals := maxSignificantFig - int(math.Floor(math.Log10(px))) - 1
	if limit := maxPerpDecimals - szDecimals; decimals > limit {
		decimals = limit
	}
	if decimals < 0 {
		decimals = 0
	}
	return math.Pow10(-decimals)
}

// SizeStep is the size granularity for an asset with szDecimals.
func SizeStep(szDecimals int) float64 {
	return math.Pow10(-szDecimals)
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}
