// Package core implements the budget aggregation and transaction
// reconciliation engine: category tree building, yearly rollups, the
// properly-mapped classifier, special-account handling and the import
// matching cascade. Everything here is pure computation over snapshots
// handed in by the caller.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a spreadsheet cell into an exact decimal amount.
//
// It accepts both German ("1.234,56") and plain ("1234.56") notations, an
// optional leading sign, and trailing currency markers the export sometimes
// carries. Amounts stay signed; credits are negative in the source data.
//
// Examples:
//
//	ParseAmount("1.234,56")  -> 1234.56
//	ParseAmount("-300,00")   -> -300.00
//	ParseAmount("1234.56")   -> 1234.56
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "€")
	s = strings.TrimSuffix(s, "EUR")
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}

	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	// German exports use "." as thousands separator and "," as decimal
	// separator. A comma anywhere means German notation.
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}

	if strings.Count(s, ".") > 1 {
		return decimal.Zero, ErrInvalidAmount
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return decimal.Zero, ErrInvalidAmount
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

// FormatAmount renders an amount with two decimal places for reports and
// API responses. Accumulation always happens on the exact decimal value;
// rounding is a formatting concern only.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
