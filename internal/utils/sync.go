// Package utils holds the locking primitives the allocator uses. Their locks become no-ops when an
// allocator is created in single-threaded mode.
package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that only locks when UseMutex is true
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalMutex) TryLock() bool {
	if m.UseMutex {
		return m.Mutex.TryLock()
	}

	return true
}

// OptionalRWMutex is a sync.RWMutex that only locks when UseMutex is true
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) TryLock() bool {
	if m.UseMutex {
		return m.Mutex.TryLock()
	}

	return true
}

func (m *OptionalRWMutex) TryRLock() bool {
	if m.UseMutex {
		return m.Mutex.TryRLock()
	}

	return true
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}
