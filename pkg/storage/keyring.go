package storage

import (
	"sync"

	"github.com/pkg/errors"
)

// Keyring holds per-tenant AES-256-GCM keys in memory. Forget wipes a
// tenant's key bytes before releasing the map entry, and Set wipes a key
// it replaces (spec §3 key-per-tenant isolation; SPEC_FULL.md §4.2
// compliance notes). Nothing in the engine calls Forget itself.
type Keyring struct {
	mu   sync.RWMutex
	keys map[TenantID]TenantKey
}

// NewKeyring constructs an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[TenantID]TenantKey)}
}

// Set installs or replaces tenant's key.
func (k *Keyring) Set(tenant TenantID, key TenantKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if old, ok := k.keys[tenant]; ok {
		wipe(&old)
	}
	k.keys[tenant] = key
}

// Get returns tenant's key, if the keyring holds one.
func (k *Keyring) Get(tenant TenantID) (TenantKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var key, ok = k.keys[tenant]
	return key, ok
}

// Forget wipes and removes tenant's key, returning an error if no key was
// held (callers that merely want best-effort cleanup should ignore it).
func (k *Keyring) Forget(tenant TenantID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var key, ok = k.keys[tenant]
	if !ok {
		return errors.Errorf("keyring: no key held for tenant %s", tenant)
	}
	wipe(&key)
	delete(k.keys, tenant)
	return nil
}

func wipe(key *TenantKey) {
	for i := range key {
		key[i] = 0
	}
}
