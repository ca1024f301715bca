package evolution

import (
	"fmt"
	"strings"
)

const DefaultCountryCode = "55"

func onlyDigits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone converts a user-entered phone number into the provider's
// international digit format. Local numbers (10 or 11 digits) get the
// country code prefixed, 12 or 13 digit numbers pass through, anything
// else fails with ErrInvalidPhoneNumber.
func NormalizePhone(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	digits := onlyDigits(raw)
	switch len(digits) {
	case 10, 11:
		return countryCode + digits, nil
	case 12, 13:
		return digits, nil
	default:
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidPhoneNumber, raw, len(digits))
	}
}

// NormalizeRecipient is NormalizePhone for message recipients. It also drops
// an international "00" prefix, a trunk "0" and the "<cc>0" doubled zero
// that appears when a trunk prefix is typed after the country code.
func NormalizeRecipient(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	digits := onlyDigits(raw)
	digits = strings.TrimPrefix(digits, "00")
	if strings.HasPrefix(digits, countryCode+"0") && len(digits) >= len(countryCode)+11 {
		digits = countryCode + digits[len(countryCode)+1:]
	}
	if strings.HasPrefix(digits, "0") && len(digits) >= 11 {
		digits = digits[1:]
	}
	return NormalizePhone(digits, countryCode)
}
