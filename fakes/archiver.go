package fakes

import (
	"context"
	"sort"
	"sync"
)

type Archiver struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewArchiver() *Archiver {
	return &Archiver{objects: make(map[string][]byte)}
}

func (a *Archiver) Archive(_ context.Context, key string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key] = append([]byte(nil), body...)
	return nil
}

func (a *Archiver) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.objects))
	for k := range a.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Archiver) Object(key string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.objects[key]
}
