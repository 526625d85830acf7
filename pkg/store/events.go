// ABOUTME: Change notifications emitted after successful writes
// ABOUTME: Listeners receive copies and run after entity locks are released

package store

import (
	"context"
	"time"

	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/version"
)

// EventType names the kind of write that produced a version
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventPatch  EventType = "patch"
	EventDelete EventType = "delete"
)

// ChangeEvent describes one appended version
type ChangeEvent struct {
	Type        EventType
	Reference   resource.Reference
	VersionID   string
	LastUpdated time.Time
	Resource    resource.Resource // nil for deletions
}

// Listener observes committed writes. It must not block for long; the
// writing call waits for listeners to return.
type Listener func(ctx context.Context, event ChangeEvent)

// OnChange registers a listener
func (s *Store) OnChange(l Listener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *Store) notify(ctx context.Context, kind EventType, rec *version.Record) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		s.callListener(ctx, l, ChangeEvent{
			Type:        kind,
			Reference:   rec.Reference(),
			VersionID:   rec.VersionID,
			LastUpdated: rec.LastUpdated,
			Resource:    rec.Resource(),
		})
	}
}

// callListener contains a listener panic. The write has already committed,
// so it must not surface as a failed operation.
func (s *Store) callListener(ctx context.Context, l Listener, event ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("change listener panicked").
				Str("event", string(event.Type)).
				Str("reference", event.Reference.String()).
				Interface("panic", r).
				Send()
		}
	}()
	l(ctx, event)
}
