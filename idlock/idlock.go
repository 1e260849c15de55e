// Package idlock provides a process-wide registry of exclusively held string ids.
//
// A Locker hands out at most one Guard per id. Acquisition never blocks: contention is
// reported as ErrAlreadyLocked so callers can tell the user that work for the id is already
// running. Guards are released either explicitly with Unlock or, on every other exit path,
// with a deferred Release.
package idlock

import (
	"errors"
	"sync"
)

var (
	// ErrAlreadyLocked is returned by Lock when the id is held by another guard.
	ErrAlreadyLocked = errors.New("id already locked")
	// ErrAlreadyUnlocked is returned by Unlock when the guard no longer holds its id.
	ErrAlreadyUnlocked = errors.New("id already unlocked")
)

// Locker is a mutex-guarded set of held ids. The zero value is ready to use.
type Locker struct {
	mu   sync.Mutex
	held map[string]uint64
	next uint64
}

// New returns an empty Locker.
func New() *Locker { return &Locker{} }

// Guard represents exclusive ownership of one id.
type Guard struct {
	l    *Locker
	id   string
	gen  uint64
	once sync.Once
}

// Lock atomically tests and inserts id.
func (l *Locker) Lock(id string) (*Guard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]uint64)
	}
	if _, ok := l.held[id]; ok {
		return nil, ErrAlreadyLocked
	}
	l.next++
	l.held[id] = l.next
	return &Guard{l: l, id: id, gen: l.next}, nil
}

// IsLocked reports whether id is currently held.
func (l *Locker) IsLocked(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}

// Held returns the number of ids currently held.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// remove deletes id only while it still belongs to generation gen.
func (l *Locker) remove(id string, gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[id]
	if !ok || cur != gen {
		return false
	}
	delete(l.held, id)
	return true
}

// ID returns the id this guard was issued for.
func (g *Guard) ID() string { return g.id }

// Unlock releases the id. A second call returns ErrAlreadyUnlocked.
func (g *Guard) Unlock() error {
	released := false
	g.once.Do(func() {
		released = g.l.remove(g.id, g.gen)
	})
	if !released {
		return ErrAlreadyUnlocked
	}
	return nil
}

// Release frees the id if it is still held and is safe to call any number of times.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.l.remove(g.id, g.gen)
	})
}
