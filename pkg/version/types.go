// ABOUTME: Version record data model
// ABOUTME: Immutable snapshots with tombstones, sequence and clock collaborators

package version

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nainya/resourcestore/pkg/resource"
)

// Record is one immutable snapshot of an entity
type Record struct {
	ResourceType string
	ID           string
	VersionID    string    // decimal rendering of Sequence
	Sequence     uint64    // store-wide ordering key
	LastUpdated  time.Time // write time
	Deleted      bool      // tombstone marker
	Content      resource.Resource
}

// Reference returns the entity reference of the record
func (r *Record) Reference() resource.Reference {
	return resource.Reference{Type: r.ResourceType, ID: r.ID}
}

// Resource returns a copy of the stored content. Tombstones have none.
func (r *Record) Resource() resource.Resource {
	if r == nil || r.Deleted {
		return nil
	}
	return r.Content.Clone()
}

// Copy returns a record whose content can be mutated freely
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Content = r.Content.Clone()
	return &out
}

// Clock supplies write timestamps
type Clock func() time.Time

// SystemClock reads the wall clock in UTC
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Sequence issues version ids. Values are never reused for the lifetime of
// the owning store, across all entities.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence starts a sequence after the given value
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// Next returns the next sequence value
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued value
func (s *Sequence) Current() uint64 {
	return s.last.Load()
}

// FormatID renders a sequence value as a version id
func FormatID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// ParseID parses a version id back into its sequence value
func ParseID(versionID string) (uint64, bool) {
	seq, err := strconv.ParseUint(versionID, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
