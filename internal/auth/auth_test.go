package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", want: "abc"},
		{name: "padded", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"store:ro", " "}},
		{Token: "operator", Scopes: []string{"producers:rw"}},
		{Token: "writer", Scopes: []string{"store:rw"}},
	}

	p, ok := Authenticate("admin", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeEventsRO))

	p, ok = Authenticate("reader", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeStoreRO))
	assert.False(t, HasAnyScope(p, ScopeProducersRO, ScopeProducersRW))
	assert.NotContains(t, p.Scopes, "")

	p, ok = Authenticate("operator", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeProducersRO), "rw implies ro")

	p, ok = Authenticate("writer", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeStoreRO))
	assert.False(t, HasAnyScope(p, ScopeEventsRO))

	_, ok = Authenticate("nobody", "admin", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty key never matches")
}

func TestHasAnyScopeWithoutRequirements(t *testing.T) {
	assert.True(t, HasAnyScope(Principal{}))
}

func TestKnownScope(t *testing.T) {
	assert.True(t, KnownScope("producers:rw"))
	assert.True(t, KnownScope(" * "))
	assert.False(t, KnownScope("plugin:ro"))
}

func TestPrincipalLabel(t *testing.T) {
	assert.Equal(t, "anonymous", FullAccess("").Label())
	assert.Equal(t, "token:****", FullAccess("short").Label())
	assert.Equal(t, "token:abcd****", FullAccess("abcdefghijkl").Label())
}
