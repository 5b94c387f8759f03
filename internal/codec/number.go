package codec

import (
	"bytes"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var ErrNotDecimal = errors.New("codec: value is not a decimal")

// Number is an arbitrary-precision decimal that remembers the exact literal
// it was parsed from, so "12.340" survives a round trip without becoming
// "12.34". Money fields are never represented as binary floats.
type Number struct {
	dec decimal.Decimal
	lit string
}

// ParseNumber parses a decimal literal, keeping the literal form.
func ParseNumber(s string) (Number, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Number{}, errors.Wrap(ErrNotDecimal, s)
	}
	return Number{dec: d, lit: s}, nil
}

// MustNumber parses a decimal literal and panics on failure. Test helper.
func MustNumber(s string) Number {
	n, err := ParseNumber(s)
	if err != nil {
		panic(err)
	}
	return n
}

// FromDecimal wraps an existing decimal. The literal form is the decimal's
// canonical string.
func FromDecimal(d decimal.Decimal) Number {
	return Number{dec: d, lit: d.String()}
}

// Decimal returns the numeric value.
func (n Number) Decimal() decimal.Decimal {
	return n.dec
}

// String returns the exact literal the number was created from.
func (n Number) String() string {
	if n.lit == "" {
		return n.dec.String()
	}
	return n.lit
}

// IsZero reports whether the numeric value equals zero.
func (n Number) IsZero() bool {
	return n.dec.IsZero()
}

// IsNegative reports whether the numeric value is below zero.
func (n Number) IsNegative() bool {
	return n.dec.IsNegative()
}

// Equal compares numeric values, ignoring literal form.
func (n Number) Equal(other Number) bool {
	return n.dec.Equal(other.dec)
}

// MarshalJSON renders the exact literal as a JSON string.
func (n Number) MarshalJSON() ([]byte, error) {
	s := n.String()
	buf := make([]byte, 0, len(s)+2)
	buf = append(buf, '"')
	buf = append(buf, s...)
	buf = append(buf, '"')
	return buf, nil
}

// UnmarshalJSON accepts either a JSON string or a bare JSON number.
func (n *Number) UnmarshalJSON(data []byte) error {
	lit := data
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		lit = data[1 : len(data)-1]
	}
	if bytes.Equal(lit, []byte("null")) {
		*n = Number{}
		return nil
	}
	parsed, err := ParseNumber(string(lit))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
