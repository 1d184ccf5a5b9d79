package services

import (
	"sync"
)

// KeyedMutex serializes work per competition id. An id's entry lives only
// while someone holds or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *KeyedMutex) acquire(id string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) release(id string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

// Lock blocks until id is free and returns the matching unlock.
func (k *KeyedMutex) Lock(id string) func() {
	l := k.acquire(id)
	l.Lock()
	return func() {
		l.Unlock()
		k.release(id, l)
	}
}

// TryLock acquires id without blocking.
func (k *KeyedMutex) TryLock(id string) (func(), bool) {
	l := k.acquire(id)
	if !l.TryLock() {
		k.release(id, l)
		return nil, false
	}
	return func() {
		l.Unlock()
		k.release(id, l)
	}, true
}

// Len is the number of ids currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
