// ABOUTME: Store construction options and collaborator interfaces
// ABOUTME: Clock, id generator, registry, logger, metrics and search limits

package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/pkg/schema"
	"github.com/nainya/resourcestore/pkg/version"
)

// Recorder receives store metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordStoreOperation(operation, resourceType, status string, duration time.Duration)
	RecordVersionWritten(resourceType string, liveDelta int)
	RecordSearch(returned int)
}

type nopRecorder struct{}

func (nopRecorder) RecordStoreOperation(string, string, string, time.Duration) {}
func (nopRecorder) RecordVersionWritten(string, int)                           {}
func (nopRecorder) RecordSearch(int)                                           {}

// IDGenerator produces new entity ids
type IDGenerator func() string

// Option configures a Store
type Option func(*Store)

// WithClock overrides the write timestamp source
func WithClock(clock version.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithIDGenerator overrides entity id generation
func WithIDGenerator(gen IDGenerator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithRegistry sets the type registry
func WithRegistry(registry schema.Registry) Option {
	return func(s *Store) { s.registry = registry }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = logger.OrNop(log) }
}

// WithMetrics sets the metrics recorder
func WithMetrics(rec Recorder) Option {
	return func(s *Store) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithSearchLimits sets the default and maximum search page sizes
func WithSearchLimits(defaultCount, maxCount int) Option {
	return func(s *Store) {
		s.defaultCount = defaultCount
		s.maxCount = maxCount
	}
}

// WithSequenceStart makes version ids begin after start
func WithSequenceStart(start uint64) Option {
	return func(s *Store) { s.seq = version.NewSequence(start) }
}

func defaultIDGenerator() string {
	return uuid.NewString()
}
