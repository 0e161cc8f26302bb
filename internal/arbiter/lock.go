package arbiter

import (
	"context"
	"sync"
)

// ContactLocks serializes work per contact id. Entries are reference counted
// and removed once nobody holds or waits on them.
type ContactLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewContactLocks creates an empty lock table.
func NewContactLocks() *ContactLocks {
	return &ContactLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for contactID is held or ctx is done. The
// returned func releases the lock and must be called exactly once.
func (l *ContactLocks) Acquire(ctx context.Context, contactID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[contactID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[contactID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(contactID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.drop(contactID, e)
		})
	}, nil
}

func (l *ContactLocks) drop(contactID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, contactID)
	}
}

// Len returns the number of contacts currently locked or waited on.
func (l *ContactLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
