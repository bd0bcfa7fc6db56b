// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type (
	// ConnectionRegistry maps a connection identity to the live physical
	// connection shared by every durable connection with that identity.
	ConnectionRegistry struct {
		mu      sync.Mutex
		entries map[ConnectionIdentity]*registryEntry
	}

	// registryEntry is never deleted from the map once created; create
	// serializes dialing for one identity without holding the registry lock.
	// handle and refs are only touched with the registry lock held.
	registryEntry struct {
		create sync.Mutex
		handle ConnectionHandle
		refs   int
	}
)

// NewConnectionRegistry creates an empty registry. Durable connections that
// should share physical connections must be given the same registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{entries: map[ConnectionIdentity]*registryEntry{}}
}

func (r *ConnectionRegistry) entry(identity ConnectionIdentity) *registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		e = &registryEntry{}
		r.entries[identity] = e
	}

	return e
}

// GetOrCreate returns the live handle registered for identity, creating one
// through factory when there is none or the registered one is closed.
// Every successful call takes a reference that must be given back with Release.
func (r *ConnectionRegistry) GetOrCreate(ctx context.Context, identity ConnectionIdentity, factory ConnectionFactory) (ConnectionHandle, error) {
	e := r.entry(identity)

	e.create.Lock()
	defer e.create.Unlock()

	r.mu.Lock()
	if e.handle != nil && !e.handle.IsClosed() {
		e.refs++
		h := e.handle
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	handle, err := factory.CreateConnection(ctx, identity)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		// a dead handle must not be handed out again
		e.handle = nil
		e.refs = 0
		return nil, err
	}

	e.handle = handle
	e.refs = 1

	logrus.WithField("identity", identity.String()).Debug("tunnelmq registered physical connection")
	return handle, nil
}

// Remove deregisters identity if it still points at handle and reports
// whether it did. A stale shutdown for an old handle never evicts a newer
// connection.
func (r *ConnectionRegistry) Remove(identity ConnectionIdentity, handle ConnectionHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || e.handle == nil || e.handle != handle {
		return false
	}

	e.handle = nil
	e.refs = 0

	logrus.WithField("identity", identity.String()).Debug("tunnelmq removed physical connection from registry")
	return true
}

// Release gives back a reference taken by GetOrCreate. The physical
// connection is closed when the last reference is released.
func (r *ConnectionRegistry) Release(identity ConnectionIdentity, handle ConnectionHandle) error {
	r.mu.Lock()
	e, ok := r.entries[identity]
	if !ok || e.handle == nil || e.handle != handle {
		r.mu.Unlock()
		return nil
	}

	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}

	e.handle = nil
	e.refs = 0
	r.mu.Unlock()

	logrus.WithField("identity", identity.String()).Debug("tunnelmq last reference released, closing physical connection")
	return handle.Close()
}

// Get returns the registered handle for identity, if any.
func (r *ConnectionRegistry) Get(identity ConnectionIdentity) (ConnectionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// Refs returns the number of references held on the handle registered for identity.
func (r *ConnectionRegistry) Refs(identity ConnectionIdentity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[identity]; ok && e.handle != nil {
		return e.refs
	}
	return 0
}

// Count returns the number of identities with a registered handle.
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.handle != nil {
			n++
		}
	}
	return n
}
