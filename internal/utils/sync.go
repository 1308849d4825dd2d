package utils

import (
	"sync"
)

// Tpl is a firmware task priority level. The values are opaque to this
// package: they are produced by a TplGuard's Raise and handed back to its
// Restore unchanged.
type Tpl uintptr

// TplGuard ties a mutex into the firmware's task-priority discipline. Raise
// is called before the mutex is acquired and must lift the current priority
// high enough that nothing able to take this mutex can preempt the holder.
// Restore receives Raise's return value after the mutex is released.
type TplGuard interface {
	Raise() Tpl
	Restore(previous Tpl)
}

// TplMutex serializes address-space mutations. The mutex itself is optional
// so single-threaded embeddings (and benchmarks) can opt out, and the TPL
// hooks are optional so hosted tests can run without a firmware priority
// implementation.
type TplMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
	Guard    TplGuard

	previousTpl Tpl
}

func (m *TplMutex) Lock() {
	if m.Guard != nil {
		tpl := m.Guard.Raise()
		if m.UseMutex {
			m.Mutex.Lock()
		}
		m.previousTpl = tpl
		return
	}

	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *TplMutex) Unlock() {
	if m.Guard == nil {
		if m.UseMutex {
			m.Mutex.Unlock()
		}
		return
	}

	tpl := m.previousTpl
	if m.UseMutex {
		m.Mutex.Unlock()
	}
	m.Guard.Restore(tpl)
}

type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
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
