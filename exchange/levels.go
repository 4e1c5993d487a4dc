package exchange

import (
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// ParseLevel parses a price and quantity. Prices must be finite and positive;
// quantities finite and non-negative, zero meaning removal.
func ParseLevel(price, qty string) (Level, error) {
	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return Level{}, fmt.Errorf("%w: price %q", ErrInvalidLevel, price)
	}
	q, err := strconv.ParseFloat(qty, 64)
	if err != nil {
		return Level{}, fmt.Errorf("%w: quantity %q", ErrInvalidLevel, qty)
	}
	return CheckLevel(p, q)
}

// CheckLevel validates already numeric values.
func CheckLevel(p, q float64) (Level, error) {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return Level{}, fmt.Errorf("%w: price %v", ErrInvalidLevel, p)
	}
	if math.IsNaN(q) || math.IsInf(q, 0) || q < 0 {
		return Level{}, fmt.Errorf("%w: quantity %v", ErrInvalidLevel, q)
	}
	return Level{Price: p, Quantity: q}, nil
}

// ParseStringLevels parses ["price","qty",...] rows. Extra columns are ignored.
func ParseStringLevels(rows [][]string) ([]Level, error) {
	out := make([]Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: row %v", ErrInvalidLevel, row)
		}
		l, err := ParseLevel(row[0], row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// ParseNumberLevels parses [price, qty] rows of JSON numbers.
func ParseNumberLevels(rows [][]float64) ([]Level, error) {
	out := make([]Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: row %v", ErrInvalidLevel, row)
		}
		l, err := CheckLevel(row[0], row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Number accepts a JSON number or a numeric string.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidLevel, s)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}
