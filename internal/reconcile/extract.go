package reconcile

import (
	"regexp"
	"strings"

	"github.com/Veraticus/the-dues-must-flow/internal/memberid"
)

// DefaultBoilerplate is the notice some banks append to every transfer
// reference. Its digits would otherwise be read as member ID candidates.
var DefaultBoilerplate = []string{
	"Datenschutzhinweis: Ihre Daten werden gemaess Art. 6 Abs. 1 DSGVO 2018/679 verarbeitet.",
}

var (
	candidatePattern  = regexp.MustCompile(`\d{4,6}(?:[-/?:,+.]\d{1,2})?`)
	separatorReplacer = strings.NewReplacer("/", "-", "?", "-", ":", "-", ",", "-", "+", "-", ".", "-")
)

// ExtractMemberID finds the leftmost encoded member ID in a transfer
// reference whose check digits are valid.
func ExtractMemberID(reference string, boilerplate []string) (int64, bool) {
	for _, b := range boilerplate {
		if b != "" {
			reference = strings.ReplaceAll(reference, b, "")
		}
	}

	for _, candidate := range candidatePattern.FindAllString(reference, -1) {
		if id, err := memberid.Decode(normalizeCandidate(candidate)); err == nil {
			return id, true
		}
	}
	return 0, false
}

// normalizeCandidate rewrites separators to "-" and makes sure the last two
// digits are split off as check digits.
func normalizeCandidate(candidate string) string {
	c := separatorReplacer.Replace(candidate)
	if len(c) >= 3 && c[len(c)-3] == '-' {
		return c
	}
	digits := strings.ReplaceAll(c, "-", "")
	return digits[:len(digits)-2] + "-" + digits[len(digits)-2:]
}
