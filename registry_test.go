// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = ConnectionIdentity{Host: "localhost:5672", VirtualHost: "/"}

func TestConnectionRegistry_SharesHandlePerIdentity(t *testing.T) {
	registry := NewConnectionRegistry()
	factory := NewMockConnectionFactory()

	first, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)
	second, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.Calls())
	assert.Equal(t, 2, registry.Refs(testIdentity))
	assert.Equal(t, 1, registry.Count())

	other := ConnectionIdentity{Host: "localhost:5672", VirtualHost: "/other"}
	third, err := registry.GetOrCreate(context.Background(), other, factory)
	require.NoError(t, err)

	assert.NotSame(t, first, third)
	assert.Equal(t, 2, registry.Count())
}

func TestConnectionRegistry_ConcurrentGetOrCreate(t *testing.T) {
	registry := NewConnectionRegistry()
	factory := NewMockConnectionFactory()
	factory.SetDelay(10 * time.Millisecond)

	const callers = 20
	handles := make([]ConnectionHandle, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, factory.Calls())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, callers, registry.Refs(testIdentity))
}

func TestConnectionRegistry_ReplacesClosedHandle(t *testing.T) {
	registry := NewConnectionRegistry()
	factory := NewMockConnectionFactory()

	first, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)

	first.(*MockConnectionHandle).TriggerShutdown(ShutdownReason{Initiator: InitiatorPeer, Code: 320})

	second, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, factory.Calls())
	assert.Equal(t, 1, registry.Refs(testIdentity))
}

func TestConnectionRegistry_FactoryFailure(t *testing.T) {
	registry := NewConnectionRegistry()
	factory := NewMockConnectionFactory()
	factory.QueueErrors(errors.New("connection refused"))

	_, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.Error(t, err)
	assert.Equal(t, 0, registry.Count())

	handle, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)
	assert.NotNil(t, handle)
	assert.Equal(t, 1, registry.Count())
}

func TestConnectionRegistry_Remove(t *testing.T) {
	registry := NewConnectionRegistry()
	factory := NewMockConnectionFactory()

	stale, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)
	require.True(t, registry.Remove(testIdentity, stale))
	assert.Equal(t, 0, registry.Count())

	fresh, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)

	assert.False(t, registry.Remove(testIdentity, stale), "a stale handle must not evict the fresh one")
	got, ok := registry.Get(testIdentity)
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.False(t, registry.Remove(ConnectionIdentity{Host: "unknown:5672"}, fresh))
}

func TestConnectionRegistry_ReleaseClosesOnLastReference(t *testing.T) {
	registry := NewConnectionRegistry()
	factory := NewMockConnectionFactory()

	handle, err := registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)
	_, err = registry.GetOrCreate(context.Background(), testIdentity, factory)
	require.NoError(t, err)

	mock := handle.(*MockConnectionHandle)

	require.NoError(t, registry.Release(testIdentity, handle))
	assert.Equal(t, 0, mock.CloseCount())
	assert.Equal(t, 1, registry.Refs(testIdentity))

	require.NoError(t, registry.Release(testIdentity, handle))
	assert.Equal(t, 1, mock.CloseCount())
	assert.Equal(t, 0, registry.Count())

	// releasing again is a no-op
	require.NoError(t, registry.Release(testIdentity, handle))
	assert.Equal(t, 1, mock.CloseCount())
}
