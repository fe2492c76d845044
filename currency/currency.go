package currency

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Code identifies the currency of an Amount. Monetary values are carried as
// integer micros of the named currency; conversions happen at the edge, never
// inside the auction path.
type Code string

const (
	CodeNone Code = ""
	CodeUSD  Code = "USD"
	CodeEUR  Code = "EUR"
	CodeRUB  Code = "RUB"
)

// ParseCode returns the currency code for a three-letter currency string.
func ParseCode(s string) (Code, error) {
	switch strings.ToUpper(s) {
	case "USD":
		return CodeUSD, nil
	case "EUR":
		return CodeEUR, nil
	case "RUB":
		return CodeRUB, nil
	case "", "NONE":
		return CodeNone, nil
	}
	return CodeNone, fmt.Errorf("unknown currency code %q", s)
}

// Amount is a monetary value in integer micros of a single currency.
// The zero Amount has no currency and compares equal to any zero value.
type Amount struct {
	Micros int64
	Code   Code
}

// MicroUSD returns a USD amount from micros.
func MicroUSD(micros int64) Amount {
	return Amount{Micros: micros, Code: CodeUSD}
}

// USD returns a USD amount from whole dollars.
func USD(dollars int64) Amount {
	return Amount{Micros: dollars * 1000000, Code: CodeUSD}
}

func (a Amount) IsZero() bool     { return a.Micros == 0 }
func (a Amount) IsNegative() bool { return a.Micros < 0 }

// Compatible reports whether two amounts may participate in arithmetic.
// A zero amount is compatible with everything.
func (a Amount) Compatible(b Amount) bool {
	if a.Code == b.Code {
		return true
	}
	if a.Code == CodeNone && a.Micros == 0 {
		return true
	}
	return b.Code == CodeNone && b.Micros == 0
}

func (a Amount) Add(b Amount) Amount {
	if b.IsZero() {
		return a
	}
	if a.IsZero() && a.Code == CodeNone {
		return b
	}
	mustBeCompatible(a, b)
	return Amount{Micros: a.Micros + b.Micros, Code: a.Code}
}

func (a Amount) Sub(b Amount) Amount {
	if b.IsZero() {
		return a
	}
	if a.IsZero() && a.Code == CodeNone {
		return Amount{Micros: -b.Micros, Code: b.Code}
	}
	mustBeCompatible(a, b)
	return Amount{Micros: a.Micros - b.Micros, Code: a.Code}
}

// Min returns the smaller of two compatible amounts.
func (a Amount) Min(b Amount) Amount {
	mustBeCompatible(a, b)
	if b.Micros < a.Micros {
		return b
	}
	return a
}

// Cmp returns -1, 0 or +1 comparing two compatible amounts.
func (a Amount) Cmp(b Amount) int {
	mustBeCompatible(a, b)
	switch {
	case a.Micros < b.Micros:
		return -1
	case a.Micros > b.Micros:
		return 1
	}
	return 0
}

func (a Amount) Equal(b Amount) bool {
	if a.Micros != b.Micros {
		return false
	}
	if a.Code == b.Code {
		return true
	}
	return a.Micros == 0 && (a.Code == CodeNone || b.Code == CodeNone)
}

func mustBeCompatible(a, b Amount) {
	if !a.Compatible(b) {
		panic(fmt.Sprintf("currency mismatch: %s vs %s", a, b))
	}
}

// String renders the amount as "<micros><code>", e.g. "2000000USD".
func (a Amount) String() string {
	if a.Code == CodeNone {
		return "0"
	}
	return strconv.FormatInt(a.Micros, 10) + string(a.Code)
}

// ParseAmount parses the String form back into an Amount.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return Amount{}, nil
	}
	split := len(s)
	for split > 0 && !isDigit(s[split-1]) {
		split--
	}
	if split == 0 || split == len(s) {
		return Amount{}, fmt.Errorf("malformed amount %q", s)
	}
	micros, err := strconv.ParseInt(s[:split], 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("malformed amount %q: %v", s, err)
	}
	code, err := ParseCode(s[split:])
	if err != nil {
		return Amount{}, err
	}
	return Amount{Micros: micros, Code: code}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// MarshalJSON encodes the amount in its string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
