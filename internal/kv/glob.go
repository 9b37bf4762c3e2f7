package kv

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// CompileGlob compiles a Redis KEYS pattern for the backends that filter keys
// themselves:
//   - '*' matches any sequence, including none
//   - '?' matches exactly one character
//   - '[abc]', '[a-z]', '[^a]' match one character from (or not from) a class
//   - '\' escapes the next character
//
// Braces are literal in Redis but alternation in gobwas/glob, so they are
// escaped before compiling; '[^' is rewritten to gobwas' '[!'.
func CompileGlob(pattern string) (glob.Glob, error) {
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			b.WriteByte(c)
			i++
			b.WriteByte(pattern[i])
			continue
		case c == '[' && !inClass:
			inClass = true
			b.WriteByte(c)
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				b.WriteByte('!')
				i++
			}
			continue
		case c == ']' && inClass:
			inClass = false
		case (c == '{' || c == '}') && !inClass:
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}

	g, err := glob.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
	}
	return g, nil
}

// LiteralPrefix returns the portion of pattern before its first wildcard,
// with escapes resolved. Backends use it to narrow a scan before matching.
func LiteralPrefix(pattern string) string {
	buf := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[':
			return string(buf)
		case '\\':
			if i+1 < len(pattern) {
				i++
			}
		}
		buf = append(buf, pattern[i])
	}
	return string(buf)
}
