package tokenstore

import "sync"

// MemVault keeps the record in process memory. It backs the ephemeral class
// and doubles as the test vault.
type MemVault struct {
	mu  sync.RWMutex
	rec *Record
}

var _ Vault = (*MemVault)(nil)

// NewMemVault creates an empty in-memory vault.
func NewMemVault() *MemVault {
	return &MemVault{}
}

// Put implements Vault.
func (v *MemVault) Put(rec Record) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rec = &rec
	return nil
}

// Fetch implements Vault.
func (v *MemVault) Fetch() (Record, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.rec == nil {
		return Record{}, ErrNotFound
	}
	return *v.rec, nil
}

// Clear implements Vault.
func (v *MemVault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rec = nil
	return nil
}

// Close implements Vault. It does not clear the record: releasing a handle
// must leave persisted state in place, so a vault shared across client
// instances still restores the session.
func (v *MemVault) Close() error {
	return nil
}
