package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompilePatternRedisDialect(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"products:*", "products:all:alice", true},
		{"products:*", "clients:all:alice", false},
		{"api:products*", "api:products:alice:GET?page=1", true},
		{"accounts:*:alice", "accounts:payable:alice", true},
		{"accounts:*:alice", "accounts:payable:bob", false},
		{"user:stat?:alice", "user:stats:alice", true},
		{"movements:[ab]*", "movements:alice:page:1", true},
		{"movements:[^a]*", "movements:alice:page:1", false},
		{"api:{x}", "api:{x}", true},
		{`api:\*`, "api:*", true},
		{`api:\*`, "api:x", false},
	}
	for _, tc := range cases {
		g, err := CompilePattern(tc.pattern)
		require.NoError(t, err, tc.pattern)
		require.Equal(t, tc.want, g.Match(tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func TestIsPatternAndLiteralPrefix(t *testing.T) {
	require.False(t, IsPattern("user:stats:alice"))
	require.True(t, IsPattern("products:item:alice:*"))
	require.Equal(t, "products:item:", literalPrefix("products:item:*"))
	require.Equal(t, "plain", literalPrefix("plain"))
}

func TestCompilePatternRejectsUnterminatedClass(t *testing.T) {
	for _, pattern := range []string{"[", "products:[ab", "x:[^"} {
		_, err := CompilePattern(pattern)
		require.Error(t, err, pattern)
	}
}
