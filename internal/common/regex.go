package common

import "regexp"

// CompileFold compiles pattern so that it matches case-insensitively.
func CompileFold(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
