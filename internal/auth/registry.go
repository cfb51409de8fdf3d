// Package auth keeps HTTP Basic credentials per host and realm.
package auth

import (
	"encoding/base64"
	"strings"
	"sync"
)

// DefaultRealm registers credentials sent to a host before any challenge.
const DefaultRealm = ""

// Credential is a username and password pair.
type Credential struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Registry maps (host, realm) to credentials. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	creds map[string]map[string]Credential
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{creds: make(map[string]map[string]Credential)}
}

// Register stores credentials for host and realm.
func (r *Registry) Register(host, realm, username, password string) {
	host = normalizeHost(host)
	r.mu.Lock()
	defer r.mu.Unlock()
	realms, ok := r.creds[host]
	if !ok {
		realms = make(map[string]Credential)
		r.creds[host] = realms
	}
	realms[realm] = Credential{Username: username, Password: password}
}

// Get looks up credentials for host and realm, falling back to the host's
// default realm.
func (r *Registry) Get(host, realm string) (Credential, bool) {
	host = normalizeHost(host)
	r.mu.RLock()
	defer r.mu.RUnlock()
	realms := r.creds[host]
	if c, ok := realms[realm]; ok {
		return c, true
	}
	c, ok := realms[DefaultRealm]
	return c, ok
}

// Header renders the Authorization value for host and realm, or "".
func (r *Registry) Header(host, realm string) string {
	if r == nil {
		return ""
	}
	c, ok := r.Get(host, realm)
	if !ok {
		return ""
	}
	token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return "Basic " + token
}

// Realm extracts the realm of a Basic WWW-Authenticate challenge. It reports
// false for other schemes.
func Realm(challenge string) (string, bool) {
	challenge = strings.TrimSpace(challenge)
	scheme, params, _ := strings.Cut(challenge, " ")
	if !strings.EqualFold(scheme, "basic") {
		return "", false
	}
	for _, part := range strings.Split(params, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && strings.EqualFold(k, "realm") {
			return strings.Trim(v, `"`), true
		}
	}
	return DefaultRealm, true
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
