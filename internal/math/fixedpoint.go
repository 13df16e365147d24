package math

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// AmountBits is the width of a token quantity. Volumes get the full 256 bits
// so that any Amount multiplied by any 64-bit duration always fits.
const AmountBits = 128

var (
	ErrOverflow      = errors.New("arithmetic overflow")
	ErrUnderflow     = errors.New("arithmetic underflow")
	ErrRatio         = errors.New("ratio numerator exceeds denominator")
	ErrDivideByZero  = errors.New("division by zero")
	ErrInvalidNumber = errors.New("invalid decimal number")
)

// Amount is an unsigned 128-bit token quantity.
// The zero value is 0 and values are immutable; every operation returns a new Amount.
type Amount struct {
	v uint256.Int
}

// Volume is an unsigned 256-bit liquidity-time integral (Amount x seconds).
type Volume struct {
	v uint256.Int
}

func NewAmount(x uint64) Amount {
	var a Amount
	a.v.SetUint64(x)
	return a
}

// MaxAmount returns 2^128 - 1.
func MaxAmount() Amount {
	var a Amount
	a.v.Lsh(uint256.NewInt(1), AmountBits)
	a.v.SubUint64(&a.v, 1)
	return a
}

// ParseAmount parses a base-10 string. Values wider than 128 bits are rejected.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	if a.v.BitLen() > AmountBits {
		return Amount{}, fmt.Errorf("%w: %s exceeds 128 bits", ErrOverflow, s)
	}
	return a, nil
}

func amountFrom(x *uint256.Int) (Amount, error) {
	if x.BitLen() > AmountBits {
		return Amount{}, ErrOverflow
	}
	return Amount{v: *x}, nil
}

func (a Amount) CheckedAdd(b Amount) (Amount, error) {
	var sum uint256.Int
	// 128-bit operands cannot overflow 256 bits, only the Amount range
	sum.Add(&a.v, &b.v)
	return amountFrom(&sum)
}

func (a Amount) CheckedSub(b Amount) (Amount, error) {
	var diff uint256.Int
	if _, underflow := diff.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, ErrUnderflow
	}
	return Amount{v: diff}, nil
}

func (a Amount) CheckedMul(b Amount) (Amount, error) {
	var prod uint256.Int
	prod.Mul(&a.v, &b.v)
	return amountFrom(&prod)
}

// SaturatingSub returns a-b, or zero when b > a.
func (a Amount) SaturatingSub(b Amount) Amount {
	if a.v.Lt(&b.v) {
		return Amount{}
	}
	var diff uint256.Int
	diff.Sub(&a.v, &b.v)
	return Amount{v: diff}
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if b.v.Lt(&a.v) {
		return b
	}
	return a
}

// Times widens a to a Volume and multiplies by a duration in seconds.
// 2^128 * 2^64 < 2^256, so this never overflows.
func (a Amount) Times(seconds uint64) Volume {
	var v Volume
	v.v.Mul(&a.v, uint256.NewInt(seconds))
	return v
}

func (a Amount) IsZero() bool { return a.v.IsZero() }
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }
func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }
func (a Amount) Gt(b Amount) bool { return a.v.Gt(&b.v) }
func (a Amount) Eq(b Amount) bool { return a.v.Eq(&b.v) }
func (a Amount) String() string { return a.v.Dec() }
func (a Amount) Uint64() uint64 { return a.v.Uint64() }
func (a Amount) Bytes32() [32]byte { return a.v.Bytes32() }
func (a Amount) Float64() float64 { return a.v.Float64() }
func (v Volume) IsZero() bool { return v.v.IsZero() }
func (v Volume) Cmp(w Volume) int { return v.v.Cmp(&w.v) }
func (v Volume) Lt(w Volume) bool { return v.v.Lt(&w.v) }
func (v Volume) Eq(w Volume) bool { return v.v.Eq(&w.v) }
func (v Volume) String() string { return v.v.Dec() }
func (v Volume) Bytes32() [32]byte { return v.v.Bytes32() }
func (v Volume) Float64() float64 { return v.v.Float64() }

func NewVolume(x uint64) Volume {
	var v Volume
	v.v.SetUint64(x)
	return v
}

func ParseVolume(s string) (Volume, error) {
	var v Volume
	if err := v.v.SetFromDecimal(s); err != nil {
		return Volume{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return v, nil
}

func (v Volume) CheckedAdd(w Volume) (Volume, error) {
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(&v.v, &w.v); overflow {
		return Volume{}, ErrOverflow
	}
	return Volume{v: sum}, nil
}

func (v Volume) CheckedSub(w Volume) (Volume, error) {
	var diff uint256.Int
	if _, underflow := diff.SubOverflow(&v.v, &w.v); underflow {
		return Volume{}, ErrUnderflow
	}
	return Volume{v: diff}, nil
}

// MultiplyRatio computes floor(value * num / den) with a 512-bit intermediate.
// The quotient must fit in an Amount.
func MultiplyRatio(value Amount, num, den Volume) (Amount, error) {
	if den.v.IsZero() {
		return Amount{}, ErrDivideByZero
	}
	var out uint256.Int
	if _, overflow := out.MulDivOverflow(&value.v, &num.v, &den.v); overflow {
		return Amount{}, ErrOverflow
	}
	return amountFrom(&out)
}

// Diminish scales value by num/den where the ratio must not exceed one.
// The result is therefore never larger than value.
func Diminish(value Amount, num, den Volume) (Amount, error) {
	if num.v.Gt(&den.v) {
		return Amount{}, fmt.Errorf("%w: %s/%s", ErrRatio, num, den)
	}
	return MultiplyRatio(value, num, den)
}

// Ratio is a num/den pair kept exact for display and share reporting.
type Ratio struct {
	Num Volume `json:"num"`
	Den Volume `json:"den"`
}

// PartsPerMillion renders the ratio in floor(1e6 * num / den), 0 when den is 0.
func (r Ratio) PartsPerMillion() uint64 {
	if r.Den.IsZero() {
		return 0
	}
	var out uint256.Int
	out.MulDivOverflow(&r.Num.v, uint256.NewInt(1_000_000), &r.Den.v)
	return out.Uint64()
}

// --- JSON: decimal strings, lossless over the whole range ---

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.Dec())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (v Volume) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.v.Dec())
}

func (v *Volume) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("volume must be a decimal string: %w", err)
	}
	parsed, err := ParseVolume(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
