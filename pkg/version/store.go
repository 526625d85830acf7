// ABOUTME: Append-only version chain for a single entity
// ABOUTME: Head, exact-version, as-of and newest-first history lookups

package version

import (
	"fmt"
	"time"
)

// Chain holds every version of one entity, oldest first. Records are never
// mutated or removed once appended. Chain is not safe for concurrent use;
// the owning store serializes writers per entity.
type Chain struct {
	records []*Record
	byID    map[string]int
}

// NewChain creates an empty chain
func NewChain() *Chain {
	return &Chain{byID: make(map[string]int)}
}

// Append adds a record as the new head. Sequence values must be strictly
// increasing along the chain.
func (c *Chain) Append(rec *Record) error {
	if head := c.Head(); head != nil && rec.Sequence <= head.Sequence {
		return fmt.Errorf("version %s does not follow head %s", rec.VersionID, head.VersionID)
	}
	if _, exists := c.byID[rec.VersionID]; exists {
		return fmt.Errorf("version %s already recorded", rec.VersionID)
	}

	c.byID[rec.VersionID] = len(c.records)
	c.records = append(c.records, rec)
	return nil
}

// Head returns the most recent record, or nil for an empty chain
func (c *Chain) Head() *Record {
	if len(c.records) == 0 {
		return nil
	}
	return c.records[len(c.records)-1]
}

// Live reports whether the chain has a non-tombstone head
func (c *Chain) Live() bool {
	head := c.Head()
	return head != nil && !head.Deleted
}

// Find returns the record with the given version id
func (c *Chain) Find(versionID string) (*Record, bool) {
	idx, ok := c.byID[versionID]
	if !ok {
		return nil, false
	}
	return c.records[idx], true
}

// AsOf returns the record that was current at t
func (c *Chain) AsOf(t time.Time) (*Record, bool) {
	for i := len(c.records) - 1; i >= 0; i-- {
		if !c.records[i].LastUpdated.After(t) {
			return c.records[i], true
		}
	}
	return nil, false
}

// History returns copies of all records, newest first
func (c *Chain) History() []*Record {
	out := make([]*Record, 0, len(c.records))
	for i := len(c.records) - 1; i >= 0; i-- {
		out = append(out, c.records[i].Copy())
	}
	return out
}

// Len returns the number of records, tombstones included
func (c *Chain) Len() int {
	return len(c.records)
}

// First returns the creating record
func (c *Chain) First() *Record {
	if len(c.records) == 0 {
		return nil
	}
	return c.records[0]
}
