package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("Example.com", DefaultRealm, "anon", "pw")
	r.Register("example.com", "admin", "root", "secret")

	c, ok := r.Get("example.com", "admin")
	assert.True(t, ok)
	assert.Equal(t, "root", c.Username)

	c, ok = r.Get("example.com", "other")
	assert.True(t, ok)
	assert.Equal(t, "anon", c.Username)

	_, ok = r.Get("elsewhere.com", DefaultRealm)
	assert.False(t, ok)

	assert.Equal(t, "Basic cm9vdDpzZWNyZXQ=", r.Header("example.com", "admin"))

	assert.Empty(t, r.Header("elsewhere.com", "admin"))

	var nilRegistry *Registry
	assert.Empty(t, nilRegistry.Header("example.com", ""))
}

func TestRealm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		realm string
		ok    bool
	}{
		{in: `Basic realm="Private Area"`, realm: "Private Area", ok: true},
		{in: `basic charset="UTF-8", realm=x`, realm: "x", ok: true},
		{in: `Basic`, realm: "", ok: true},
		{in: `Bearer realm="api"`, ok: false},
		{in: ``, ok: false},
	}
	for _, tc := range tests {
		realm, ok := Realm(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.realm, realm, tc.in)
	}
}
