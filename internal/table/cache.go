package table

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Row is a single record: column name to scalar value (or larger payload).
// Rows handed out by the cache are shared and must be treated as read-only.
type Row = map[string]any

// TxID groups the row changes that originated from one upstream write.
type TxID = uuid.UUID

// InsertFunc receives a newly inserted row.
type InsertFunc func(tx TxID, row Row)

// UpdateFunc receives the previous and current version of an updated row.
type UpdateFunc func(tx TxID, old, new Row)

// DeleteFunc receives a deleted row (its last known version).
type DeleteFunc func(tx TxID, row Row)

// Table is the read surface a view consumes: a full snapshot plus raw
// change listeners. Every registration returns a deregistration handle.
type Table interface {
	Snapshot() []Row
	OnInsert(fn InsertFunc) (cancel func())
	OnUpdate(fn UpdateFunc) (cancel func())
	OnDelete(fn DeleteFunc) (cancel func())
}

// Op labels one raw change applied to the cache.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one row-level mutation within an upstream transaction.
// Insert and update carry the new row; delete identifies the row by key.
type Change struct {
	Op  Op
	Row Row
}

// Cache is the in-memory unfiltered table shared by all views over one
// table. The change-feed client applies upstream transactions to it;
// views only read.
type Cache struct {
	name string
	key  string // primary key column

	mu        sync.RWMutex
	rows      map[string]Row
	nextSub   int
	onInsert  map[int]InsertFunc
	onUpdate  map[int]UpdateFunc
	onDelete  map[int]DeleteFunc
}

// NewCache creates an empty cache for the named table, keyed by the given
// primary key column ("id" when empty).
func NewCache(name, keyColumn string) *Cache {
	if keyColumn == "" {
		keyColumn = "id"
	}
	return &Cache{
		name:     name,
		key:      keyColumn,
		rows:     make(map[string]Row),
		onInsert: make(map[int]InsertFunc),
		onUpdate: make(map[int]UpdateFunc),
		onDelete: make(map[int]DeleteFunc),
	}
}

// Name returns the table name.
func (c *Cache) Name() string { return c.name }

// Len returns the number of rows currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Snapshot returns all cached rows. Order is unspecified.
func (c *Cache) Snapshot() []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Row, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row)
	}
	return out
}

// Get returns the row with the given primary key value, if present.
func (c *Cache) Get(key any) (Row, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[fmt.Sprintf("%v", key)]
	return row, ok
}

// OnInsert registers an insert listener and returns its deregistration handle.
func (c *Cache) OnInsert(fn InsertFunc) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.onInsert[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onInsert, id)
	}
}

// OnUpdate registers an update listener and returns its deregistration handle.
func (c *Cache) OnUpdate(fn UpdateFunc) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.onUpdate[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onUpdate, id)
	}
}

// OnDelete registers a delete listener and returns its deregistration handle.
func (c *Cache) OnDelete(fn DeleteFunc) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.onDelete[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onDelete, id)
	}
}

// event is one listener invocation pending delivery.
type event struct {
	op  Op
	row Row
	old Row
}

// Apply ingests the row changes of one upstream transaction, mutates the
// cache, then delivers listener callbacks in the order the changes were
// supplied. Listeners run on the caller's goroutine after the cache state
// is fully updated, so a listener reading Snapshot sees the whole
// transaction applied.
func (c *Cache) Apply(tx TxID, changes []Change) {
	c.mu.Lock()
	var events []event
	for _, ch := range changes {
		key := fmt.Sprintf("%v", ch.Row[c.key])
		switch ch.Op {
		case OpInsert:
			c.rows[key] = ch.Row
			events = append(events, event{op: OpInsert, row: ch.Row})
		case OpUpdate:
			old, ok := c.rows[key]
			if !ok {
				// Update for a row we never saw: treat as insert.
				c.rows[key] = ch.Row
				events = append(events, event{op: OpInsert, row: ch.Row})
				continue
			}
			c.rows[key] = ch.Row
			events = append(events, event{op: OpUpdate, row: ch.Row, old: old})
		case OpDelete:
			old, ok := c.rows[key]
			if !ok {
				continue
			}
			delete(c.rows, key)
			events = append(events, event{op: OpDelete, row: old})
		}
	}

	// Copy the listener sets so delivery happens without the lock held;
	// a listener may call back into Snapshot or deregister itself.
	inserts := make([]InsertFunc, 0, len(c.onInsert))
	for _, fn := range c.onInsert {
		inserts = append(inserts, fn)
	}
	updates := make([]UpdateFunc, 0, len(c.onUpdate))
	for _, fn := range c.onUpdate {
		updates = append(updates, fn)
	}
	deletes := make([]DeleteFunc, 0, len(c.onDelete))
	for _, fn := range c.onDelete {
		deletes = append(deletes, fn)
	}
	c.mu.Unlock()

	for _, ev := range events {
		switch ev.op {
		case OpInsert:
			for _, fn := range inserts {
				fn(tx, ev.row)
			}
		case OpUpdate:
			for _, fn := range updates {
				fn(tx, ev.old, ev.row)
			}
		case OpDelete:
			for _, fn := range deletes {
				fn(tx, ev.row)
			}
		}
	}
}

// Replace swaps the entire cache contents for a fresh snapshot, without
// firing listeners.
func (c *Cache) Replace(rows []Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = make(map[string]Row, len(rows))
	for _, row := range rows {
		c.rows[fmt.Sprintf("%v", row[c.key])] = row
	}
}

// Merge upserts a snapshot's rows into the cache without firing listeners
// and without touching rows it does not mention. Subscription snapshots
// are filtered by their own predicate, and several subscriptions over the
// same table share this cache, so a snapshot may only ever add to it.
func (c *Cache) Merge(rows []Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		c.rows[fmt.Sprintf("%v", row[c.key])] = row
	}
}
