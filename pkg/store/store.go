// ABOUTME: In-memory versioned resource store
// ABOUTME: Create/read/update/patch/delete over append-only version chains

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/pkg/patch"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/schema"
	"github.com/nainya/resourcestore/pkg/search"
	"github.com/nainya/resourcestore/pkg/version"
)

var tracer = otel.Tracer("resourcestore/store")

// entity owns the chain of one logical resource. Writers hold mu
// exclusively; readers share it.
type entity struct {
	mu    sync.RWMutex
	chain *version.Chain
}

func (e *entity) head() *version.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chain.Head()
}

// collection holds every entity of one type in creation order
type collection struct {
	mu       sync.RWMutex
	entities map[string]*entity
	order    []*entity
}

// Store maps entity references to version chains. All methods are safe for
// concurrent use. Writes to one entity are serialized; writes to different
// entities only share the brief collection lookup.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection

	seq          *version.Sequence
	clock        version.Clock
	newID        IDGenerator
	registry     schema.Registry
	evaluator    *search.Evaluator
	log          *logger.Logger
	metrics      Recorder
	defaultCount int
	maxCount     int

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]*collection),
		seq:         version.NewSequence(0),
		clock:       version.SystemClock,
		newID:       defaultIDGenerator,
		registry:    schema.DefaultRegistry(),
		log:         logger.Nop(),
		metrics:     nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.evaluator = search.NewEvaluator(s.registry, s.defaultCount, s.maxCount)
	return s
}

// Registry returns the type registry the store validates against
func (s *Store) Registry() schema.Registry {
	return s.registry
}

func (s *Store) lookup(resourceType, id string) *entity {
	s.mu.RLock()
	coll, ok := s.collections[resourceType]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	coll.mu.RLock()
	defer coll.mu.RUnlock()
	return coll.entities[id]
}

func (s *Store) collection(resourceType string) *collection {
	s.mu.RLock()
	coll, ok := s.collections[resourceType]
	s.mu.RUnlock()
	if ok {
		return coll
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok = s.collections[resourceType]; !ok {
		coll = &collection{entities: make(map[string]*entity)}
		s.collections[resourceType] = coll
	}
	return coll
}

// lockOrCreate returns the entity locked for writing, registering a new
// empty one when absent. Readers treat an empty chain as not found.
func (s *Store) lockOrCreate(resourceType, id string) (*entity, bool) {
	coll := s.collection(resourceType)

	coll.mu.Lock()
	ent, ok := coll.entities[id]
	if !ok {
		ent = &entity{chain: version.NewChain()}
		coll.entities[id] = ent
		coll.order = append(coll.order, ent)
	}
	coll.mu.Unlock()

	ent.mu.Lock()
	return ent, !ok
}

// appendLocked stamps doc and appends it to the chain. Caller holds ent.mu.
func (s *Store) appendLocked(ent *entity, resourceType, id string, doc resource.Resource, deleted bool) (*version.Record, error) {
	seq := s.seq.Next()
	now := s.clock()
	vid := version.FormatID(seq)

	if !deleted {
		doc.SetMeta(vid, now)
	}

	rec := &version.Record{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    vid,
		Sequence:     seq,
		LastUpdated:  now,
		Deleted:      deleted,
		Content:      doc,
	}

	wasLive := ent.chain.Live()
	if err := ent.chain.Append(rec); err != nil {
		return nil, err
	}

	delta := 0
	switch {
	case wasLive && deleted:
		delta = -1
	case !wasLive && !deleted:
		delta = 1
	}
	s.metrics.RecordVersionWritten(resourceType, delta)
	return rec, nil
}

func (s *Store) checkType(resourceType string) error {
	if resourceType == "" {
		return resource.Validationf("resource type is required")
	}
	if !s.registry.HasType(resourceType) {
		return resource.Validationf("unknown resource type %q", resourceType)
	}
	return nil
}

// prepare validates content against the target type and returns a private
// copy normalized to decoded JSON values
func (s *Store) prepare(resourceType string, content resource.Resource) (resource.Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	if content == nil {
		return nil, resource.Validationf("resource content is required")
	}

	doc, err := resource.FromValue(content)
	if err != nil {
		return nil, resource.Validationf("resource content is not valid JSON: %v", err)
	}
	switch rt := doc.ResourceType(); {
	case rt == "":
		doc["resourceType"] = resourceType
	case rt != resourceType:
		return nil, resource.InvalidField("resourceType", "resourceType %q does not match %q", rt, resourceType)
	}
	return doc, nil
}

// Create stores content as a new entity with a server-assigned id
func (s *Store) Create(ctx context.Context, resourceType string, content resource.Resource) (rec *version.Record, err error) {
	ctx, done := s.observe(ctx, "create", resourceType)
	defer func() { done(err) }()

	doc, err := s.prepare(resourceType, content)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	doc.SetID(id)

	ent, _ := s.lockOrCreate(resourceType, id)
	rec, err = s.appendLocked(ent, resourceType, id, doc, false)
	ent.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify(ctx, EventCreate, rec)
	return rec.Copy(), nil
}

// Read returns the current version of an entity
func (s *Store) Read(ctx context.Context, resourceType, id string) (rec *version.Record, err error) {
	_, done := s.observe(ctx, "read", resourceType)
	defer func() { done(err) }()

	ent := s.lookup(resourceType, id)
	if ent == nil {
		return nil, resource.NotFoundf("%s/%s not found", resourceType, id)
	}

	head := ent.head()
	switch {
	case head == nil:
		return nil, resource.NotFoundf("%s/%s not found", resourceType, id)
	case head.Deleted:
		return nil, resource.NotFoundf("%s/%s is deleted", resourceType, id)
	}
	return head.Copy(), nil
}

// ReadVersion returns one historical snapshot exactly as it was written
func (s *Store) ReadVersion(ctx context.Context, resourceType, id, versionID string) (rec *version.Record, err error) {
	_, done := s.observe(ctx, "vread", resourceType)
	defer func() { done(err) }()

	ent := s.lookup(resourceType, id)
	if ent == nil {
		return nil, resource.NotFoundf("%s/%s not found", resourceType, id)
	}

	ent.mu.RLock()
	found, ok := ent.chain.Find(versionID)
	ent.mu.RUnlock()

	switch {
	case !ok:
		return nil, resource.NotFoundf("version %s of %s/%s not found", versionID, resourceType, id)
	case found.Deleted:
		return nil, resource.NotFoundf("version %s of %s/%s is a deletion", versionID, resourceType, id)
	}
	return found.Copy(), nil
}

// ReadHistory returns every version, newest first, tombstones included.
// A deleted entity still has history.
func (s *Store) ReadHistory(ctx context.Context, resourceType, id string) (recs []*version.Record, err error) {
	_, done := s.observe(ctx, "history", resourceType)
	defer func() { done(err) }()

	ent := s.lookup(resourceType, id)
	if ent == nil {
		return nil, resource.NotFoundf("%s/%s not found", resourceType, id)
	}

	ent.mu.RLock()
	defer ent.mu.RUnlock()
	if ent.chain.Len() == 0 {
		return nil, resource.NotFoundf("%s/%s not found", resourceType, id)
	}
	return ent.chain.History(), nil
}

// ReadAsOf returns the version that was current at t
func (s *Store) ReadAsOf(ctx context.Context, resourceType, id string, t time.Time) (rec *version.Record, err error) {
	_, done := s.observe(ctx, "read_as_of", resourceType)
	defer func() { done(err) }()

	ent := s.lookup(resourceType, id)
	if ent == nil {
		return nil, resource.NotFoundf("%s/%s not found", resourceType, id)
	}

	ent.mu.RLock()
	found, ok := ent.chain.AsOf(t)
	ent.mu.RUnlock()

	switch {
	case !ok:
		return nil, resource.NotFoundf("%s/%s did not exist at %s", resourceType, id, resource.FormatTime(t))
	case found.Deleted:
		return nil, resource.NotFoundf("%s/%s was deleted at %s", resourceType, id, resource.FormatTime(t))
	}
	return found.Copy(), nil
}

// Update writes content as the new current version of the entity named by
// its id. An unknown id creates the entity; a deleted one is revived. A
// non-empty pathID must match the content id.
func (s *Store) Update(ctx context.Context, resourceType, pathID string, content resource.Resource) (rec *version.Record, err error) {
	ctx, done := s.observe(ctx, "update", resourceType)
	defer func() { done(err) }()

	doc, err := s.prepare(resourceType, content)
	if err != nil {
		return nil, err
	}

	id := doc.ID()
	switch {
	case id == "" && pathID == "":
		return nil, resource.InvalidField("id", "update requires an id")
	case id == "":
		id = pathID
		doc.SetID(id)
	case pathID != "" && pathID != id:
		return nil, resource.InvalidField("id", "resource id %q does not match %q", id, pathID)
	}

	ent, created := s.lockOrCreate(resourceType, id)
	rec, err = s.appendLocked(ent, resourceType, id, doc, false)
	ent.mu.Unlock()
	if err != nil {
		return nil, err
	}

	event := EventUpdate
	if created {
		event = EventCreate
	}
	s.notify(ctx, event, rec)
	return rec.Copy(), nil
}

// Patch applies ops to the current version and stores the result. Nothing
// is written when any operation fails.
func (s *Store) Patch(ctx context.Context, resourceType, id string, ops []patch.Operation) (rec *version.Record, err error) {
	ctx, done := s.observe(ctx, "patch", resourceType)
	defer func() { done(err) }()

	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}

	ent := s.lookup(resourceType, id)
	if ent == nil {
		return nil, resource.NotFoundf("%s/%s not found", resourceType, id)
	}

	ent.mu.Lock()
	rec, err = s.patchLocked(ent, resourceType, id, ops)
	ent.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify(ctx, EventPatch, rec)
	return rec.Copy(), nil
}

func (s *Store) patchLocked(ent *entity, resourceType, id string, ops []patch.Operation) (*version.Record, error) {
	head := ent.chain.Head()
	if head == nil || head.Deleted {
		return nil, resource.NotFoundf("%s/%s not found", resourceType, id)
	}

	doc, err := patch.Apply(head.Content, ops)
	if err != nil {
		return nil, err
	}
	if doc.ID() != id {
		return nil, resource.Patchf("patch may not change id")
	}
	if doc.ResourceType() != resourceType {
		return nil, resource.Patchf("patch may not change resourceType")
	}
	return s.appendLocked(ent, resourceType, id, doc, false)
}

// Delete appends a tombstone. Deleting an unknown or already deleted
// entity is a no-op.
func (s *Store) Delete(ctx context.Context, resourceType, id string) (err error) {
	ctx, done := s.observe(ctx, "delete", resourceType)
	defer func() { done(err) }()

	if err := s.checkType(resourceType); err != nil {
		return err
	}

	ent := s.lookup(resourceType, id)
	if ent == nil {
		return nil
	}

	ent.mu.Lock()
	if !ent.chain.Live() {
		ent.mu.Unlock()
		return nil
	}
	rec, err := s.appendLocked(ent, resourceType, id, nil, true)
	ent.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(ctx, EventDelete, rec)
	return nil
}

// Search evaluates req over the current, non-deleted versions of its type
func (s *Store) Search(ctx context.Context, req search.Request) (res *search.Result, err error) {
	_, done := s.observe(ctx, "search", req.ResourceType)
	defer func() { done(err) }()

	if err := s.evaluator.Validate(req); err != nil {
		return nil, err
	}

	res, err = s.evaluator.Evaluate(req, s.snapshot(req.ResourceType))
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSearch(len(res.Entries))
	return res, nil
}

// SearchQuery parses a query string and runs it
func (s *Store) SearchQuery(ctx context.Context, resourceType, rawQuery string) (*search.Result, error) {
	req, err := search.ParseQuery(resourceType, rawQuery)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, req)
}

// snapshot returns the live heads of a type in creation order. Records are
// immutable, so their content can be read without holding entity locks.
func (s *Store) snapshot(resourceType string) []resource.Resource {
	s.mu.RLock()
	coll, ok := s.collections[resourceType]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	coll.mu.RLock()
	entities := append([]*entity(nil), coll.order...)
	coll.mu.RUnlock()

	out := make([]resource.Resource, 0, len(entities))
	for _, ent := range entities {
		if head := ent.head(); head != nil && !head.Deleted {
			out = append(out, head.Content)
		}
	}
	return out
}

// Types lists resource types that have at least one entity
func (s *Store) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.collections))
	for name := range s.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live entities of a type
func (s *Store) Count(resourceType string) int {
	return len(s.snapshot(resourceType))
}

// LastVersion returns the most recently issued version id sequence value
func (s *Store) LastVersion() uint64 {
	return s.seq.Current()
}

func (s *Store) observe(ctx context.Context, op, resourceType string) (context.Context, func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer.Start(ctx, "store."+op,
		trace.WithAttributes(
			attribute.String("resource.type", resourceType),
		),
	)
	start := time.Now()

	return ctx, func(err error) {
		duration := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		s.metrics.RecordStoreOperation(op, resourceType, statusLabel(err), duration)
		s.log.LogStoreOperation(op, resourceType, duration, err)
	}
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resource.ErrValidation):
		return "invalid"
	case errors.Is(err, resource.ErrNotFound):
		return "not_found"
	case errors.Is(err, resource.ErrPatch):
		return "patch_failed"
	case errors.Is(err, resource.ErrConflict):
		return "conflict"
	}
	return "error"
}
