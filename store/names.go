package store

import (
	"context"
	"strings"
	"sync"

	"github.com/aox/aox/pgwire"
)

// nameCache is a process-wide interning table mapping short identifiers
// (flag names, annotation entry names) to their small integer ids. Loaded at
// startup and reloaded when the database signals that another process
// created a new name. Mutation is single-writer (the signal handler and the
// creator); lookups take the read lock.
type nameCache struct {
	table string

	mu     sync.RWMutex
	byName map[string]uint32 // Lowercased name to id.
	byID   map[uint32]string
	lastID uint32
}

// Flags interns IMAP flag names ("\Seen", "$Forwarded", ...).
var Flags = &nameCache{table: "flag_names"}

// AnnotationNames interns annotation entry names ("/comment", ...).
var AnnotationNames = &nameCache{table: "annotation_names"}

func (c *nameCache) load(ctx context.Context) error {
	q := pgwire.NewQuery("select id, name from " + c.table)
	if err := DB.Exec(ctx, q); err != nil {
		return err
	}
	byName := map[string]uint32{}
	byID := map[uint32]string{}
	var last uint32
	for _, row := range q.Rows() {
		id := row.UInt32("id")
		name := row.String("name")
		byName[strings.ToLower(name)] = id
		byID[id] = name
		if id > last {
			last = id
		}
	}
	c.mu.Lock()
	c.byName = byName
	c.byID = byID
	c.lastID = last
	c.mu.Unlock()
	return nil
}

// ID returns the id for name, or 0 when not known.
func (c *nameCache) ID(name string) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[strings.ToLower(name)]
}

// Name returns the name for id, or the empty string.
func (c *nameCache) Name(id uint32) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// LargestID returns the highest id seen.
func (c *nameCache) LargestID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastID
}

// Names returns all known names.
func (c *nameCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := make([]string, 0, len(c.byID))
	for _, name := range c.byID {
		l = append(l, name)
	}
	return l
}

// Ensure returns the id for name, creating the row if needed and notifying
// other processes. Creation is idempotent under concurrency: on a duplicate
// key the existing row is fetched.
func (c *nameCache) Ensure(ctx context.Context, name string) (uint32, error) {
	if id := c.ID(name); id > 0 {
		return id, nil
	}

	q := pgwire.NewQuery("insert into " + c.table + " (name) values ($1) on conflict (name) do update set name=excluded.name returning id")
	q.Bind(1, name)
	if err := DB.Exec(ctx, q); err != nil {
		return 0, err
	}
	row := q.NextRow()
	id := row.UInt32("id")

	c.mu.Lock()
	c.byName[strings.ToLower(name)] = id
	c.byID[id] = name
	if id > c.lastID {
		c.lastID = id
	}
	c.mu.Unlock()

	nq := pgwire.NewQuery("notify " + c.table + "_updated")
	DB.Submit(nq)
	return id, nil
}
