// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import "sync"

type (
	// Observer is a subscriber callback for an Event.
	Observer[T any] func(T) error

	// Event is an ordered list of observers notified synchronously.
	// A failing or panicking observer is logged and never stops the others.
	Event[T any] struct {
		name      string
		watcher   Watcher
		mu        sync.RWMutex
		observers []Observer[T]
	}
)

func newEvent[T any](name string, watcher Watcher) *Event[T] {
	return &Event[T]{name: name, watcher: watcher}
}

// Subscribe appends an observer. Observers are called in subscription order.
func (e *Event[T]) Subscribe(observer Observer[T]) {
	if observer == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, observer)
}

// Len returns the number of subscribed observers.
func (e *Event[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.observers)
}

// fire notifies every observer with arg and returns how many of them failed.
func (e *Event[T]) fire(arg T) int {
	e.mu.RLock()
	observers := make([]Observer[T], len(e.observers))
	copy(observers, e.observers)
	e.mu.RUnlock()

	failed := 0
	for i, observer := range observers {
		err := recoverAsError(func() error { return observer(arg) })
		if err != nil {
			failed++
			e.watcher.Errorf("%s observer %d failed: %v", e.name, i, err)
		}
	}

	return failed
}
