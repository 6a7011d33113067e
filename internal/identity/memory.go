package identity

import (
	"context"
	"sync"

	"github.com/rs/xid"
)

// Memory is an in-process Provider. It backs tests and single-node
// development setups that have no external identity service.
type Memory struct {
	mu      sync.Mutex
	byKey   map[string]string
	meta    map[string]Metadata
	creates int

	// FailCreate and FailFind, when set, are returned by every call until
	// cleared.
	FailCreate error
	FailFind   error
}

var _ Provider = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byKey: make(map[string]string),
		meta:  make(map[string]Metadata),
	}
}

func (m *Memory) CreateIdentity(_ context.Context, key string, meta Metadata) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		return "", m.FailCreate
	}
	if _, ok := m.byKey[key]; ok {
		return "", ErrIdentityExists
	}

	id := xid.New().String()
	m.byKey[key] = id
	m.meta[id] = meta
	m.creates++
	return id, nil
}

func (m *Memory) FindIdentity(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailFind != nil {
		return "", m.FailFind
	}
	id, ok := m.byKey[key]
	if !ok {
		return "", ErrIdentityNotFound
	}
	return id, nil
}

// Put registers an existing record, as if created out of band.
func (m *Memory) Put(key, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[key] = id
}

// Creates reports how many records CreateIdentity has created.
func (m *Memory) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// MetadataFor returns the metadata stored with id.
func (m *Memory) MetadataFor(id string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.meta[id]
	return md, ok
}
