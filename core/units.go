package core

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatUint renders an unsigned integer as a base-10 string; nil renders as "0"
func FormatUint(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ParseUint parses a base-10 unsigned integer of arbitrary size. An empty string is zero.
func ParseUint(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative integer %q", s)
	}
	return v, nil
}

// FormatEther renders a wei amount in ether for logs and CLI output
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}
