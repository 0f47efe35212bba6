package decoder

import (
	"math/big"
	"strings"
)

// divideByPow10 renders raw / 10^decimals as a decimal string, keeping full
// precision (no float64 involved anywhere in the amount path, since a
// uint256 wei value does not fit a float64 mantissa without loss).
func divideByPow10(raw *big.Int, decimals int) string {
	if decimals <= 0 {
		return raw.String()
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	quotient, remainder := new(big.Int).QuoRem(raw, divisor, new(big.Int))

	neg := remainder.Sign() < 0
	if neg {
		remainder.Neg(remainder)
	}
	fraction := remainder.String()
	if pad := decimals - len(fraction); pad > 0 {
		fraction = strings.Repeat("0", pad) + fraction
	}
	fraction = strings.TrimRight(fraction, "0")

	sign := ""
	if neg && quotient.Sign() == 0 {
		sign = "-"
	}
	if fraction == "" {
		return sign + quotient.String()
	}
	return sign + quotient.String() + "." + fraction
}
