// ABOUTME: Batch/transaction bundle executor
// ABOUTME: Runs entries in order, isolating each failure into its response entry

package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/pkg/resource"
)

var tracer = otel.Tracer("resourcestore/batch")

type mount struct {
	prefix  string
	handler EntryHandler
}

// Executor decomposes a bundle into store operations. Entries run
// sequentially; an entry's effects persist even if later entries fail.
type Executor struct {
	store   Store
	mounts  []mount
	log     *logger.Logger
	metrics Recorder
	clock   func() time.Time
	baseURL string
}

// NewExecutor creates an executor over a store
func NewExecutor(store Store, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		log:     logger.Nop(),
		metrics: nopRecorder{},
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mount routes entries whose URL starts with prefix to h. Longer prefixes
// win over shorter ones.
func (e *Executor) Mount(prefix string, h EntryHandler) {
	prefix = strings.Trim(prefix, "/")
	e.mounts = append(e.mounts, mount{prefix: prefix, handler: h})
	sort.SliceStable(e.mounts, func(i, j int) bool {
		return len(e.mounts[i].prefix) > len(e.mounts[j].prefix)
	})
}

// ExecuteJSON parses a bundle document, executes it and encodes the response
func (e *Executor) ExecuteJSON(ctx context.Context, data []byte) ([]byte, error) {
	b, err := resource.ParseBundle(data)
	if err != nil {
		return nil, err
	}
	resp, err := e.Execute(ctx, b)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// Execute runs every entry of a batch or transaction bundle. A bundle
// without a type runs as a batch. It only fails when the bundle itself is
// unusable; entry failures are reported in the matching response entry.
func (e *Executor) Execute(ctx context.Context, b *resource.Bundle) (*resource.Bundle, error) {
	if b == nil {
		return nil, resource.Validationf("bundle is required")
	}

	var responseType string
	switch b.Type {
	case resource.BundleBatch, "":
		responseType = resource.BundleBatchResponse
	case resource.BundleTransaction:
		responseType = resource.BundleTransactionResponse
	default:
		return nil, resource.InvalidField("type", "bundle type must be batch or transaction, got %q", b.Type)
	}

	ctx, span := tracer.Start(ctx, "batch.Execute",
		trace.WithAttributes(
			attribute.String("bundle.type", b.Type),
			attribute.Int("bundle.entry_count", len(b.Entry)),
		),
	)
	defer span.End()

	start := time.Now()
	resp := resource.NewBundle(responseType)
	resp.ID = uuid.NewString()
	resp.Timestamp = resource.FormatTime(e.clock())
	resp.Entry = make([]resource.BundleEntry, len(b.Entry))

	failures := 0
	for i, entry := range b.Entry {
		out, failed := e.executeEntry(ctx, i, entry)
		if failed {
			failures++
		}
		resp.Entry[i] = out
	}

	if failures > 0 {
		span.SetAttributes(attribute.Int("bundle.failures", failures))
	}
	span.SetStatus(codes.Ok, "")

	e.metrics.RecordBatch(b.Type)
	e.log.LogBatch(b.Type, len(b.Entry), failures, time.Since(start))
	return resp, nil
}

func (e *Executor) executeEntry(ctx context.Context, index int, entry resource.BundleEntry) (resource.BundleEntry, bool) {
	method, url := "", ""
	if entry.Request != nil {
		method = strings.ToUpper(strings.TrimSpace(entry.Request.Method))
		url = entry.Request.URL
	}

	ctx, span := tracer.Start(ctx, "batch.entry",
		trace.WithAttributes(
			attribute.Int("entry.index", index),
			attribute.String("entry.method", method),
			attribute.String("entry.url", url),
		),
	)
	defer span.End()

	result, err := e.dispatchSafely(ctx, index, entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		status := resource.StatusCode(err)
		outcome := resource.OutcomeFromError(err)
		e.metrics.RecordBatchEntry(method, strconv.Itoa(status))
		e.log.Debug("batch entry failed").
			Int("index", index).
			Str("method", method).
			Str("url", url).
			Int("status", status).
			Err(err).
			Send()

		return resource.BundleEntry{
			Resource: outcome,
			Response: &resource.BundleResponse{
				Status:  strconv.Itoa(status),
				Outcome: outcome,
			},
		}, true
	}

	e.metrics.RecordBatchEntry(method, strconv.Itoa(result.Status))
	out := resource.BundleEntry{
		Resource: result.Resource,
		Response: &resource.BundleResponse{
			Status:       strconv.Itoa(result.Status),
			Location:     result.Location,
			Etag:         result.Etag,
			LastModified: result.LastModified,
		},
	}
	if result.Resource != nil && result.Resource.ID() != "" && !resource.IsOutcome(result.Resource) && result.Resource.ResourceType() != "Bundle" {
		out.FullURL = e.fullURL(result.Resource.Reference().String())
	}
	return out, false
}

// dispatchSafely turns a panic in a store call or mounted handler into an
// entry failure so the rest of the batch still runs
func (e *Executor) dispatchSafely(ctx context.Context, index int, entry resource.BundleEntry) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("batch entry panicked").Int("index", index).Interface("panic", r).Send()
			result, err = nil, fmt.Errorf("entry %d failed unexpectedly: %v", index, r)
		}
	}()

	result, err = e.dispatch(ctx, entry)
	if err == nil && result == nil {
		err = fmt.Errorf("entry %d produced no result", index)
	}
	return result, err
}

func (e *Executor) fullURL(ref string) string {
	if e.baseURL == "" {
		return ref
	}
	return strings.TrimSuffix(e.baseURL, "/") + "/" + ref
}
