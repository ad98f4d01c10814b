package card

import "strings"

const (
	MinLength = 13
	MaxLength = 19
)

// Sanitize removes the separators customers commonly type into a card
// number field. Any other non-digit character is kept so that Valid rejects it.
func Sanitize(number string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, number)
}

// Valid reports whether number, after Sanitize, is 13-19 digits long and
// passes the Luhn checksum.
func Valid(number string) bool {
	n := Sanitize(number)
	if len(n) < MinLength || len(n) > MaxLength {
		return false
	}

	sum := 0
	double := false
	for i := len(n) - 1; i >= 0; i-- {
		c := n[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Mask keeps the first six and last four digits. Short inputs are fully masked.
func Mask(number string) string {
	n := Sanitize(number)
	if len(n) < 10 {
		return strings.Repeat("*", len(n))
	}
	return n[:6] + strings.Repeat("*", len(n)-10) + n[len(n)-4:]
}
