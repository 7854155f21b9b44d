package connector

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrConnectorNotConfigured is returned when no binding exists for the
	// requested connector/profile pair.
	ErrConnectorNotConfigured = errors.New("connector not configured")

	// ErrCredentialMissing is returned when a binding exists but its
	// configuration lacks required secrets.
	ErrCredentialMissing = errors.New("connector credential missing")
)

// Binding pairs an adapter with the credentials resolved for one profile.
type Binding struct {
	Adapter     Adapter
	Credentials Credentials
}

// Registry resolves (connector, profile) to a bound adapter at request time.
// Resolution is a pure map lookup so it never blocks on I/O.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding // keyed by "connector:profile"
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register binds an adapter and credentials to a connector/profile pair.
// Registering with empty credentials is allowed so misconfiguration is
// reported at resolve time, where the caller can surface it per request.
func (r *Registry) Register(connectorName, profileID string, adapter Adapter, creds Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[bindingKey(connectorName, profileID)] = Binding{Adapter: adapter, Credentials: creds}
}

// Resolve returns the binding for the connector/profile pair.
func (r *Registry) Resolve(connectorName, profileID string) (Binding, error) {
	r.mu.RLock()
	b, ok := r.bindings[bindingKey(connectorName, profileID)]
	r.mu.RUnlock()
	if !ok {
		return Binding{}, fmt.Errorf("%w: connector=%s profile=%s", ErrConnectorNotConfigured, connectorName, profileID)
	}
	if b.Credentials.APIKey == "" {
		return Binding{}, fmt.Errorf("%w: connector=%s profile=%s", ErrCredentialMissing, connectorName, profileID)
	}
	return b, nil
}

// Has reports whether a binding exists without checking credentials.
func (r *Registry) Has(connectorName, profileID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bindings[bindingKey(connectorName, profileID)]
	return ok
}

// Connectors returns the distinct connector names with at least one binding.
func (r *Registry) Connectors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var names []string
	for key := range r.bindings {
		name, _, _ := cutBindingKey(key)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func bindingKey(connectorName, profileID string) string {
	return connectorName + ":" + profileID
}

func cutBindingKey(key string) (connectorName, profileID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}
