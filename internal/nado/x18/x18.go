// Package x18 converts the venue's 18-decimal fixed-point integers.
package x18

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 18

// Parse converts a fixed-point integer string into a float.
func Parse(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty x18 value")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse x18 %q: %w", raw, err)
	}
	f, _ := d.Shift(-Decimals).Float64()
	return f, nil
}

// FromFloat converts a float into its fixed-point integer. Precision beyond
// 18 decimals is truncated toward zero.
func FromFloat(v float64) *big.Int {
	return decimal.NewFromFloat(v).Shift(Decimals).Truncate(0).BigInt()
}

// String is FromFloat rendered as a base-10 string.
func String(v float64) string {
	return FromFloat(v).String()
}

// Value accepts either a JSON string or a JSON number holding a fixed-point integer.
type Value float64

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = 0
		return nil
	}
	f, err := Parse(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

func (v Value) Float() float64 {
	return float64(v)
}
