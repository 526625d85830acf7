// ABOUTME: Batch executor collaborators and entry-level request/result types
// ABOUTME: Store capability, mounted handlers and executor options

package batch

import (
	"context"
	"time"

	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/pkg/patch"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/search"
	"github.com/nainya/resourcestore/pkg/version"
)

// Store is the resource store capability the executor dispatches to
type Store interface {
	Create(ctx context.Context, resourceType string, content resource.Resource) (*version.Record, error)
	Read(ctx context.Context, resourceType, id string) (*version.Record, error)
	ReadVersion(ctx context.Context, resourceType, id, versionID string) (*version.Record, error)
	ReadHistory(ctx context.Context, resourceType, id string) ([]*version.Record, error)
	Update(ctx context.Context, resourceType, pathID string, content resource.Resource) (*version.Record, error)
	Patch(ctx context.Context, resourceType, id string, ops []patch.Operation) (*version.Record, error)
	Delete(ctx context.Context, resourceType, id string) error
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// EntryRequest is a batch entry routed to a mounted handler
type EntryRequest struct {
	Method   string
	Path     string // relative path without query, e.g. "auth/newuser"
	Query    string
	Resource resource.Resource
}

// Result is the successful outcome of one entry
type Result struct {
	Status       int
	Resource     resource.Resource
	Location     string
	Etag         string
	LastModified string
}

// EntryHandler serves batch entries under a mounted prefix
type EntryHandler interface {
	HandleEntry(ctx context.Context, req EntryRequest) (*Result, error)
}

// HandlerFunc adapts a function to EntryHandler
type HandlerFunc func(ctx context.Context, req EntryRequest) (*Result, error)

// HandleEntry calls f
func (f HandlerFunc) HandleEntry(ctx context.Context, req EntryRequest) (*Result, error) {
	return f(ctx, req)
}

// Recorder receives batch metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordBatch(bundleType string)
	RecordBatchEntry(method, status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordBatch(string)              {}
func (nopRecorder) RecordBatchEntry(string, string) {}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(e *Executor) { e.log = logger.OrNop(log).BatchLogger() }
}

// WithMetrics sets the metrics recorder
func WithMetrics(rec Recorder) Option {
	return func(e *Executor) {
		if rec != nil {
			e.metrics = rec
		}
	}
}

// WithClock overrides the response timestamp source
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithBaseURL sets the prefix used for fullUrl values in search results
func WithBaseURL(baseURL string) Option {
	return func(e *Executor) { e.baseURL = baseURL }
}
