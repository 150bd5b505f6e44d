// Package schema is the single-writer, many-reader relation cache (§4.3):
// the decoder is the only writer, the batcher and sink read it freely.
package schema

import (
	"sync"

	"github.com/dbmazz/cdc/internal/cdcmsg"
)

// Cache maps relation_id to the most recently observed TableSchema.
//
// No eviction is implemented — an Open Question in spec.md §9 left this a
// bounded-but-growing map for long-lived pipelines with churned relations.
// A weak LRU/TTL eviction keyed on Relation recency would hook in here.
type Cache struct {
	mu    sync.RWMutex
	byRel map[uint32]*cdcmsg.TableSchema
	// warned tracks relation_ids we've already logged a lookup-miss for,
	// so "log once per (relation_id, boot)" (§4.3) doesn't spam.
	warned map[uint32]bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		byRel:  make(map[uint32]*cdcmsg.TableSchema),
		warned: make(map[uint32]bool),
	}
}

// Apply replaces (or inserts) the schema for a relation and returns the
// delta against whatever was previously cached for that relation_id, plus
// whether a previous schema existed at all (no delta is meaningful for a
// brand-new relation, since every column is "new" trivially but should not
// trigger ADD COLUMN DDL against a table that was just created).
func (c *Cache) Apply(next *cdcmsg.TableSchema) (delta *cdcmsg.SchemaDelta, hadPrevious bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, hadPrevious := c.byRel[next.RelationID]
	c.byRel[next.RelationID] = next
	delete(c.warned, next.RelationID)

	if !hadPrevious {
		return nil, false
	}

	added := diffColumns(prev.Columns, next.Columns)
	if len(added) == 0 {
		return nil, true
	}
	return &cdcmsg.SchemaDelta{
		RelationID:   next.RelationID,
		TableName:    next.QualifiedName(),
		AddedColumns: added,
	}, true
}

// diffColumns returns the columns present in next but not (by name) in prev.
func diffColumns(prev, next []cdcmsg.Column) []cdcmsg.Column {
	seen := make(map[string]bool, len(prev))
	for _, c := range prev {
		seen[c.Name] = true
	}
	var added []cdcmsg.Column
	for _, c := range next {
		if !seen[c.Name] {
			added = append(added, c)
		}
	}
	return added
}

// Lookup returns the cached schema for relation_id, or nil if it has never
// been observed (the lookup-miss policy of §4.3: callers drop the event).
func (c *Cache) Lookup(relationID uint32) *cdcmsg.TableSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byRel[relationID]
}

// ShouldWarnMiss reports whether a lookup-miss warning for relation_id has
// not yet been logged this boot, and marks it logged. Call once right
// before emitting the warning log line.
func (c *Cache) ShouldWarnMiss(relationID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warned[relationID] {
		return false
	}
	c.warned[relationID] = true
	return true
}
