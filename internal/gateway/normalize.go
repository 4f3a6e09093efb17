package gateway

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"p2c-service/internal/apperr"
)

// mobile operator prefixes accepted for P2C
var mobilePrefixes = map[string]bool{
	"0412": true, "0414": true, "0416": true,
	"0422": true, "0424": true, "0426": true,
}

var idPrefixes = map[byte]bool{'V': true, 'E': true, 'J': true, 'G': true, 'P': true}

const defaultIDPrefix = "V"

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone returns the 11-digit local format (0 + 10 digits).
// International (58...) and bare 10-digit forms are accepted.
func NormalizePhone(raw string) (string, error) {
	d := digitsOnly(raw)
	switch {
	case len(d) == 12 && strings.HasPrefix(d, "58"):
		d = "0" + d[2:]
	case len(d) == 10 && strings.HasPrefix(d, "4"):
		d = "0" + d
	}

	if len(d) != 11 || d[0] != '0' {
		return "", apperr.Validation("INVALID_PHONE", "phone %q must have 11 digits in local format", raw)
	}
	if !mobilePrefixes[d[:4]] {
		return "", apperr.Validation("INVALID_PHONE", "phone prefix %s is not a mobile operator", d[:4])
	}
	return d, nil
}

// NormalizeIdentification returns <prefix><7-9 digits>, defaulting the prefix to V.
func NormalizeIdentification(raw string) (string, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '.' {
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)

	if s == "" {
		return "", apperr.Validation("INVALID_IDENTIFICATION", "identification is required")
	}

	prefix := defaultIDPrefix
	if s[0] < '0' || s[0] > '9' {
		if !idPrefixes[s[0]] {
			return "", apperr.Validation("INVALID_IDENTIFICATION", "identification prefix %q is not allowed", s[:1])
		}
		prefix, s = s[:1], s[1:]
	}

	if len(s) < 7 || len(s) > 9 || digitsOnly(s) != s {
		return "", apperr.Validation("INVALID_IDENTIFICATION", "identification %q must have 7 to 9 digits", raw)
	}
	return prefix + s, nil
}

// ValidateReference checks the 8-12 digit correlation code.
func ValidateReference(ref string) error {
	if len(ref) < 8 || len(ref) > 12 || digitsOnly(ref) != ref {
		return apperr.Validation("INVALID_REFERENCE", "reference %q must have 8 to 12 digits", ref)
	}
	return nil
}

// NewReference derives a 10-digit reference from a random uuid.
func NewReference() string {
	id := uuid.New()
	var n uint64
	for _, b := range id[:8] {
		n = n<<8 | uint64(b)
	}
	ref := make([]byte, 10)
	for i := len(ref) - 1; i >= 0; i-- {
		ref[i] = byte('0' + n%10)
		n /= 10
	}
	return string(ref)
}

// FormatAmount renders a positive amount as a 2-decimal fixed string.
func FormatAmount(amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", apperr.Validation("INVALID_AMOUNT", "amount must be positive, got %s", amount.String())
	}
	return amount.StringFixed(2), nil
}
