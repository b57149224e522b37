// Package bignum provides the unsigned arbitrary-precision arithmetic used
// by every exact-integer computation in the pool and payout engines. Pool
// math is exact integer arithmetic; big.Int is only ever converted to a
// float64 at the very edge, for display or APY.
package bignum

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is an unsigned arbitrary-precision quantity in a token's smallest
// unit. The zero value is a valid zero amount.
type Amount struct {
	v big.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a.v.Sign() == 0 }

// FromUint64 builds an Amount from a uint64.
func FromUint64(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// FromString parses a base-10 unsigned integer string.
func FromString(s string) (Amount, error) {
	var a Amount
	if _, ok := a.v.SetString(s, 10); !ok {
		return Amount{}, fmt.Errorf("bignum: invalid amount %q", s)
	}
	if a.v.Sign() < 0 {
		return Amount{}, fmt.Errorf("bignum: negative amount %q", s)
	}
	return a, nil
}

// String renders the amount as a base-10 string.
func (a Amount) String() string { return a.v.String() }

// Uint64 returns the amount as a uint64. Callers must know the value fits;
// it is used only at RPC boundaries where reply shapes need a primitive.
func (a Amount) Uint64() uint64 {
	if !a.v.IsUint64() {
		return 0
	}
	return a.v.Uint64()
}

// Cmp compares a and b the way big.Int.Cmp does.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Add returns a+b.
func Add(a, b Amount) Amount {
	var out Amount
	out.v.Add(&a.v, &b.v)
	return out
}

// Sub returns a-b, or (zero, false) if the subtraction would underflow.
// Pool reserve mutation must never silently wrap, so every caller that
// can observe insufficient balance checks the ok return.
func Sub(a, b Amount) (Amount, bool) {
	if a.v.Cmp(&b.v) < 0 {
		return Amount{}, false
	}
	var out Amount
	out.v.Sub(&a.v, &b.v)
	return out, true
}

// Mul returns a*b.
func Mul(a, b Amount) Amount {
	var out Amount
	out.v.Mul(&a.v, &b.v)
	return out
}

// DivFloor returns floor(a/b). Division by zero returns (zero, false).
func DivFloor(a, b Amount) (Amount, bool) {
	if b.v.Sign() == 0 {
		return Amount{}, false
	}
	var out Amount
	out.v.Div(&a.v, &b.v)
	return out, true
}

// MulRational returns floor(n*num/den), or (zero, false) if den is zero.
// This is the single primitive behind fee application, pro-rata splits,
// and LP-share math: every "take a fraction of an integer amount"
// computation in the codebase routes through here so the rounding
// direction (always floor, never round-to-nearest) is consistent.
func MulRational(n Amount, num, den Amount) (Amount, bool) {
	if den.v.Sign() == 0 {
		return Amount{}, false
	}
	var prod big.Int
	prod.Mul(&n.v, &num.v)
	var out Amount
	out.v.Div(&prod, &den.v)
	return out, true
}

// MulRationalU64 is the common case of MulRational with small uint64
// numerator/denominator (basis-point fee splits).
func MulRationalU64(n Amount, num, den uint64) (Amount, bool) {
	return MulRational(n, FromUint64(num), FromUint64(den))
}

// Sqrt returns floor(sqrt(a)). Used once, for initial LP-token minting:
// sqrt(reserve_0 * reserve_1).
func Sqrt(a Amount) Amount {
	var out Amount
	out.v.Sqrt(&a.v)
	return out
}

// Rescale converts an amount expressed with fromDecimals decimal places to
// one expressed with toDecimals decimal places: multiplies by 10^(to-from)
// when widening, floor-divides when narrowing.
func Rescale(a Amount, fromDecimals, toDecimals uint8) Amount {
	if fromDecimals == toDecimals {
		return a
	}
	var out Amount
	if toDecimals > fromDecimals {
		shift := int(toDecimals - fromDecimals)
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil)
		out.v.Mul(&a.v, factor)
		return out
	}
	shift := int(fromDecimals - toDecimals)
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil)
	out.v.Div(&a.v, factor)
	return out
}

// ToFloat64Lossy converts to a float64 for display and APY calculations
// only; never feed the result back into exact pool math.
func (a Amount) ToFloat64Lossy() float64 {
	f := new(big.Float).SetInt(&a.v)
	out, _ := f.Float64()
	return out
}

// MarshalJSON renders the amount as a JSON string, the same decimal
// form used everywhere else an Amount crosses a boundary (SQL columns,
// journal bodies, RPC replies): a JSON number would silently lose
// precision past 2^53.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.String())
}

// UnmarshalJSON parses the same decimal string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
