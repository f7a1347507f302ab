package store

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event describes one executed statement.
type Event struct {
	SQL     string
	Args    int
	Elapsed time.Duration
	Err     error
}

// Observer is called after every statement the store executes.
type Observer func(Event)

func (s *Store) observe(e Event) {
	slog.Debug("statement executed", "sql", e.SQL, "args", e.Args, "elapsed", e.Elapsed)
	for _, o := range s.observers {
		o(e)
	}
}

// Counter records executed statements. Register Counter.Observe with
// WithObserver to count round trips.
type Counter struct {
	mu         sync.Mutex
	statements []string
}

// Observe records e.
func (c *Counter) Observe(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements = append(c.statements, e.SQL)
}

// Count returns the number of statements recorded since the last Reset.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.statements)
}

// Selects returns the number of SELECT statements recorded.
func (c *Counter) Selects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.statements {
		if strings.HasPrefix(strings.TrimSpace(strings.ToUpper(s)), "SELECT") {
			n++
		}
	}
	return n
}

// Statements returns a copy of the recorded statements in execution order.
func (c *Counter) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statements...)
}

// Reset forgets every recorded statement.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements = nil
}
