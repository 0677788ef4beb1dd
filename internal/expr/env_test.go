package expr

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRequest() Request {
	return Request{
		Method:  "GET",
		Path:    "/api/products",
		Tenant:  "alice",
		Query:   map[string]string{"fresh": "1"},
		Headers: map[string]string{"cache-control": "no-cache"},
	}
}

func TestBypassRules(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	cases := map[string]bool{
		`"fresh" in query`: true,
		`tenant == "bob"`:  false,
		`method == "GET" && path.startsWith("/api/")`:    true,
		`headers["cache-control"] == "no-cache"`:         true,
		`lookup(headers, "cache-control") == "no-cache"`: true,
		`lookup(headers, "pragma") == "no-cache"`:        false,
		`lookup(query, "fresh") != null`:                 true,
	}
	for source, want := range cases {
		rule, err := env.CompileBypass(source)
		require.NoError(t, err, source)
		got, err := rule.Matches(sampleRequest())
		require.NoError(t, err, source)
		require.Equal(t, want, got, source)
	}
}

func TestCompileBypassRejectsBadRules(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	for _, source := range []string{`path + "x"`, "   ", `unknown_var == 1`, `tenant ==`} {
		_, err := env.CompileBypass(source)
		require.Error(t, err, source)
	}
}

func TestMatchesReportsRuntimeErrors(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	rule, err := env.CompileBypass(`headers["x-missing"] == "1"`)
	require.NoError(t, err)
	matched, err := rule.Matches(sampleRequest())
	require.Error(t, err)
	require.False(t, matched)

	dyn, err := env.CompileBypass(`lookup(query, "fresh")`)
	require.NoError(t, err)
	_, err = dyn.Matches(sampleRequest())
	require.Error(t, err, "non-bool result is an error")
}

func TestRequestFromHTTP(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/products?page=2&page=3&fresh=", nil)
	r.Header.Set("X-Trace", "abc")
	r.Header.Add("X-Trace", "def")

	req := RequestFromHTTP(r, "alice")
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/api/products", req.Path)
	require.Equal(t, "alice", req.Tenant)
	require.Equal(t, "2", req.Query["page"])
	require.Contains(t, req.Query, "fresh")
	require.Equal(t, "abc", req.Headers["x-trace"])
}

func TestBypassString(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	rule, err := env.CompileBypass("  true ")
	require.NoError(t, err)
	require.Equal(t, "true", rule.String())
}
