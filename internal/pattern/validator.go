package pattern

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

// ErrInvalidPattern is returned for patterns that cannot be stored.
var ErrInvalidPattern = errors.New("invalid account pattern")

// Validate checks that a pattern compiles and cannot match every reference.
func Validate(p model.AccountPattern) error {
	if strings.TrimSpace(p.Pattern) == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if p.AccountID == 0 {
		return fmt.Errorf("%w: no account", ErrInvalidPattern)
	}

	re, err := common.CompileFold(p.Pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if re.MatchString("") {
		return fmt.Errorf("%w: %q matches an empty reference", ErrInvalidPattern, p.Pattern)
	}
	return nil
}
