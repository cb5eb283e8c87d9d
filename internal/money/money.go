// Package money holds the fixed-precision decimal used for every share count,
// price and amount in the ledger.
package money

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// ShareScale is the maximum number of fractional digits of a share quantity.
	ShareScale int32 = 6
	// AmountScale is the maximum number of fractional digits of a price or fee.
	AmountScale int32 = 4
	// StoreScale is the precision of derived values (average cost, gains, totals).
	StoreScale int32 = 10
	// StoreDigits is the number of integer digits a stored value may have.
	StoreDigits int32 = 28
)

// Money is an exact decimal value. The zero value is 0.
type Money struct {
	d decimal.Decimal
}

var Zero = Money{}

func New(d decimal.Decimal) Money { return Money{d: d} }

func FromInt(v int64) Money { return Money{d: decimal.NewFromInt(v)} }

func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return Money{d: d}, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(n Money) Money { return Money{d: m.d.Add(n.d)} }
func (m Money) Sub(n Money) Money { return Money{d: m.d.Sub(n.d)} }
func (m Money) Mul(n Money) Money { return Money{d: m.d.Mul(n.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }

// Div divides rounding half-up at StoreScale. Dividing by zero panics, callers
// guard the divisor.
func (m Money) Div(n Money) Money { return Money{d: m.d.DivRound(n.d, StoreScale)} }

func (m Money) Round(scale int32) Money { return Money{d: m.d.Round(scale)} }

func (m Money) Cmp(n Money) int                 { return m.d.Cmp(n.d) }
func (m Money) Equal(n Money) bool              { return m.d.Equal(n.d) }
func (m Money) LessThan(n Money) bool           { return m.d.LessThan(n.d) }
func (m Money) LessThanOrEqual(n Money) bool    { return m.d.LessThanOrEqual(n.d) }
func (m Money) GreaterThan(n Money) bool        { return m.d.GreaterThan(n.d) }
func (m Money) GreaterThanOrEqual(n Money) bool { return m.d.GreaterThanOrEqual(n.d) }
func (m Money) IsZero() bool                    { return m.d.IsZero() }
func (m Money) IsPositive() bool                { return m.d.IsPositive() }
func (m Money) IsNegative() bool                { return m.d.IsNegative() }

// FitsScale reports whether m has no more than scale fractional digits.
func (m Money) FitsScale(scale int32) bool { return m.d.Equal(m.d.Truncate(scale)) }

// FitsDigits reports whether m has no more than digits integer digits.
func (m Money) FitsDigits(digits int32) bool { return m.d.Abs().LessThan(decimal.New(1, digits)) }

func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) String() string { return m.d.String() }

func (m Money) StringFixed(scale int32) string { return m.d.StringFixed(scale) }

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.d.String())
}

// UnmarshalJSON accepts both "12.5" and 12.5. Numbers are read from their
// literal text, never through float64.
func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = Zero
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m Money) Value() (driver.Value, error) {
	return m.d.String(), nil
}

func (m *Money) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = Zero
		return nil
	case []byte:
		return m.scanString(string(v))
	case string:
		return m.scanString(v)
	case int64:
		*m = FromInt(v)
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
}

func (m *Money) scanString(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
