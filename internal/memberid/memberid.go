// Package memberid encodes member IDs with an ISO 7064 MOD 97-10 check
// number, the scheme IBANs use, so that transcription errors in bank
// transfer references can be detected.
package memberid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalid is returned for strings that are not a valid encoded member ID.
var ErrInvalid = errors.New("invalid member id")

var encodedPattern = regexp.MustCompile(`^(\d{4,})-(\d{2})$`)

// CheckDigits returns the two check digits for id.
func CheckDigits(id int64) int64 {
	return 98 - mulMod(id, 100, 97)
}

// Encode renders id as "NNNN-CC".
func Encode(id int64) string {
	return fmt.Sprintf("%04d-%02d", id, CheckDigits(id))
}

// Decode parses an encoded member ID and verifies its check digits.
func Decode(s string) (int64, error) {
	m := encodedPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q is not shaped NNNN-CC", ErrInvalid, s)
	}

	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	check, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if (mulMod(id, 100, 97)+check)%97 != 1 {
		return 0, fmt.Errorf("%w: check digits of %q do not match", ErrInvalid, s)
	}
	return id, nil
}

// Valid reports whether s is a correctly encoded member ID.
func Valid(s string) bool {
	_, err := Decode(s)
	return err == nil
}

// mulMod computes (a*b) mod m without overflowing for large IDs.
func mulMod(a, b, m int64) int64 {
	return ((a % m) * (b % m)) % m
}
