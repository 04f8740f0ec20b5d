// Package phone validates and normalizes phone numbers for pairing and
// recipient checks.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidNumber is returned for input that does not parse as a real
// phone number.
var ErrInvalidNumber = errors.New("invalid phone number")

// NormalizeE164 parses a phone number and returns it in E.164 form without
// the leading plus, the format the pairing API expects. Input may carry a
// plus prefix or not; numbers without a region must include a country code.
func NormalizeE164(raw string) (string, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return "", ErrInvalidNumber
	}
	if !strings.HasPrefix(input, "+") {
		input = "+" + input
	}
	num, err := phonenumbers.Parse(input, "")
	if err != nil {
		return "", ErrInvalidNumber
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidNumber
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
}
