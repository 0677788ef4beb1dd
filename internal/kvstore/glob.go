package kvstore

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// IsPattern reports whether key contains glob metacharacters.
func IsPattern(key string) bool {
	return strings.ContainsAny(key, "*?[")
}

// CompilePattern compiles a Redis-style glob. `*` crosses `:` boundaries, `[^x]`
// negates a class and `{`/`}` are literal.
func CompilePattern(pattern string) (glob.Glob, error) {
	var b strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			b.WriteByte(c)
			i++
			b.WriteByte(pattern[i])
		case inClass:
			if c == ']' {
				inClass = false
			}
			b.WriteByte(c)
		case c == '[':
			inClass = true
			b.WriteByte(c)
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				b.WriteByte('!')
				i++
			}
		case c == '{' || c == '}' || c == ',':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	if inClass {
		return nil, fmt.Errorf("kvstore: compile pattern %q: unterminated character class", pattern)
	}
	g, err := glob.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("kvstore: compile pattern %q: %w", pattern, err)
	}
	return g, nil
}

// literalPrefix returns the part of pattern before the first metacharacter.
func literalPrefix(pattern string) string {
	if idx := strings.IndexAny(pattern, "*?[\\"); idx >= 0 {
		return pattern[:idx]
	}
	return pattern
}
