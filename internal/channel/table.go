package channel

import "sync"

// Table holds live connections by id.
type Table struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewTable creates an empty connection table.
func NewTable() *Table {
	return &Table{conns: make(map[string]*Conn)}
}

// Add registers c. It returns the already registered connection and false
// when the id is taken.
func (t *Table) Add(c *Conn) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[c.id]; ok {
		return existing, false
	}
	t.conns[c.id] = c
	return c, true
}

// Remove unregisters a connection. It reports whether it was present.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[id]; !ok {
		return false
	}
	delete(t.conns, id)
	return true
}

// Get returns a connection by id.
func (t *Table) Get(id string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

// All returns every registered connection.
func (t *Table) All() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
