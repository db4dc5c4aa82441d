package backend

import (
	"context"
	"sync"
)

// Catalog memoizes engine metadata (action ids) per Identity.
//
// It is owned by the pool rather than held in package state, so its
// lifetime matches the pool's and an identity's entries can be dropped
// explicitly when that database's connection state is reset.
//
// Thread-safety: all methods are safe for concurrent use.
type Catalog struct {
	mu      sync.Mutex
	actions map[Identity]map[string]int64
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{actions: make(map[Identity]map[string]int64)}
}

// ActionID returns the memoized id of action within id, resolving it
// through eng on first use. The lock is not held while eng is called.
func (c *Catalog) ActionID(ctx context.Context, id Identity, eng Engine, action string) (int64, error) {
	c.mu.Lock()
	if actionID, ok := c.actions[id][action]; ok {
		c.mu.Unlock()
		return actionID, nil
	}
	c.mu.Unlock()

	actionID, err := eng.ActionID(ctx, action)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actions[id] == nil {
		c.actions[id] = make(map[string]int64)
	}
	c.actions[id][action] = actionID
	return actionID, nil
}

// Invalidate drops everything memoized for id.
func (c *Catalog) Invalidate(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.actions, id)
}

// Len returns the number of identities with memoized entries.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}
