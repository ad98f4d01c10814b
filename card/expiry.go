package card

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrExpiryFormat = errors.New("expiry must be MM/YY")
	ErrExpired      = errors.New("card expired")
)

// Expiry is a card expiry month.
type Expiry struct {
	Month int
	Year  int // four digits
}

// ParseExpiry parses "MM/YY". Month must be 01-12.
func ParseExpiry(s string) (Expiry, error) {
	mm, yy, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || len(mm) != 2 || len(yy) != 2 {
		return Expiry{}, ErrExpiryFormat
	}
	month, err := strconv.Atoi(mm)
	if err != nil || month < 1 || month > 12 {
		return Expiry{}, ErrExpiryFormat
	}
	year, err := strconv.Atoi(yy)
	if err != nil || year < 0 {
		return Expiry{}, ErrExpiryFormat
	}
	return Expiry{Month: month, Year: 2000 + year}, nil
}

// ValidateExpiry parses s and rejects dates before the current month of now.
func ValidateExpiry(s string, now time.Time) (Expiry, error) {
	exp, err := ParseExpiry(s)
	if err != nil {
		return Expiry{}, err
	}
	if exp.Before(now) {
		return Expiry{}, ErrExpired
	}
	return exp, nil
}

// Before reports whether the card expired before the month containing t.
func (e Expiry) Before(t time.Time) bool {
	y, m, _ := t.Date()
	if e.Year != y {
		return e.Year < y
	}
	return e.Month < int(m)
}

// EMV renders the expiry as YYMM, the cardExpiryDate wire format.
func (e Expiry) EMV() string {
	return fmt.Sprintf("%02d%02d", e.Year%100, e.Month)
}

func (e Expiry) String() string {
	return fmt.Sprintf("%02d/%02d", e.Month, e.Year%100)
}
