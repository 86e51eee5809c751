package execution

import (
	"sync"
)

// KeyedGuard admits one holder per key at a time.
type KeyedGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedGuard() *KeyedGuard {
	return &KeyedGuard{held: make(map[string]struct{})}
}

// Acquire takes key or returns ErrAlreadyExecuting. The returned release
// function is idempotent.
func (g *KeyedGuard) Acquire(key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[key]; ok {
		return nil, ErrAlreadyExecuting
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently held.
func (g *KeyedGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}
