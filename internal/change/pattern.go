package change

import (
	"regexp"
	"strings"
)

// EscapeForPattern quotes every regular-expression metacharacter in s except
// the '*' wildcard, which is left for CompilePattern to expand.
func EscapeForPattern(s string) string {
	parts := strings.Split(s, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, "*")
}

// CompilePattern turns a change id filter into an anchored regular expression
// in which '*' matches any run of characters, as few as possible.
// An empty pattern is treated as "*".
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = "*"
	}
	expr := "^" + strings.ReplaceAll(EscapeForPattern(pattern), "*", ".*?") + "$"
	return regexp.Compile(expr)
}

// matchAll reports whether pattern selects every id without compiling it.
func matchAll(pattern string) bool {
	return pattern == "" || pattern == "*"
}
