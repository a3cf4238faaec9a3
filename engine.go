package tinyflux

import (
	"io"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"

	"go.spiff.io/tinyflux/storage"
)

// EngineStats summarizes an Engine's current state, for introspection by operators embedding tinyflux in a larger
// process (dashboards, health checks). It is not part of the query/update surface.
type EngineStats struct {
	RowCount     int
	IndexValid   bool
	Measurements int
}

// Engine is the single-process, single-threaded embedded datastore: a Backend plus the acceleration Index built
// over it. Nothing in Engine is safe for concurrent use from multiple goroutines without external synchronization;
// see the package doc for the cooperative-single-writer model this mirrors.
type Engine struct {
	backend     storage.Backend
	path        string
	idx         *Index
	autoIndex   bool
	compactKeys bool
	log         *logrus.Logger
	closed      bool
	ownsBackend bool
}

// Option configures an Engine constructed with Open.
type Option func(*Engine) error

// WithBackend selects the storage backend. If not given, Open creates a storage.File backend at "tinyflux.csv" in
// the current directory.
func WithBackend(backend storage.Backend) Option {
	return func(e *Engine) error {
		e.backend = backend
		return nil
	}
}

// WithPath selects where the default file backend stores its data, for callers who want file storage somewhere
// other than "tinyflux.csv" without constructing a storage.File themselves. It has no effect when WithBackend is
// also given.
func WithPath(path string) Option {
	return func(e *Engine) error {
		e.path = path
		return nil
	}
}

// WithAutoIndex controls whether Search/Count/Contains/Get/Select/Get* operations transparently rebuild an
// invalidated index before answering. It defaults to true; set false to require explicit Reindex calls instead
// (useful when many out-of-order inserts are expected and eager rebuilds would be wasteful).
func WithAutoIndex(enabled bool) Option {
	return func(e *Engine) error {
		e.autoIndex = enabled
		return nil
	}
}

// WithCompactKeys selects the compact tag/field key-prefix convention ("t_"/"f_") for newly written rows, instead
// of the default full convention ("__tag__"/"__field__"). Both conventions are always accepted on read.
func WithCompactKeys(enabled bool) Option {
	return func(e *Engine) error {
		e.compactKeys = enabled
		return nil
	}
}

// WithLogger overrides the logger an Engine uses, instead of the package-level Log.
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) error {
		e.log = log
		return nil
	}
}

// Open constructs an Engine, applying opts in order, and performs an initial index build from the backend's
// current contents.
func Open(opts ...Option) (*Engine, error) {
	e := &Engine{
		autoIndex: true,
		log:       Log,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.backend == nil {
		path := e.path
		if path == "" {
			path = "tinyflux.csv"
		}
		f, err := storage.OpenFile(path)
		if err != nil {
			return nil, e.storageErr(err, "open default backend")
		}
		e.backend = f
		e.ownsBackend = true
	}

	e.idx = NewIndex()
	e.idx.log = e.log
	if err := e.idx.Rebuild(e.backend); err != nil {
		return nil, e.storageErr(err, "build initial index")
	}
	return e, nil
}

func (e *Engine) checkOpen() error {
	if e.closed {
		return ErrClosed
	}
	return nil
}

// storageErr wraps err as an ErrStorage failure for the caller and logs it at Error level with msg as context,
// so a storage failure is never silently swallowed on its way out of the engine. A nil err logs nothing and
// returns nil.
func (e *Engine) storageErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	e.log.WithError(err).Error("tinyflux: " + msg)
	return wrapStorage(err, msg)
}

// ensureIndex rebuilds the index if it has been invalidated by an out-of-order insert and auto-indexing is
// enabled. With auto-indexing disabled, a stale index is left stale and candidateRows does not consult it, so
// reads fall back to a full scan that still sees every row. Index.Rebuild itself logs the rebuild's row count and
// duration at Debug level.
func (e *Engine) ensureIndex() error {
	if e.idx.IsValid() || !e.autoIndex {
		return nil
	}
	return e.storageErr(e.idx.Rebuild(e.backend), "rebuild index")
}

// Insert appends a single point, stamping it with the current time if unstamped.
func (e *Engine) Insert(p *Point) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	stamped := p.stamp(clock.Now())
	row, err := encodeRow(stamped, e.compactKeys)
	if err != nil {
		return err
	}
	id, err := e.backend.Append(row)
	if err != nil {
		return e.storageErr(err, "append point")
	}
	e.idx.Insert(id, stamped)
	return nil
}

// InsertMultiple appends points in order, batchSize at a time. batchSize must be >= 1. If the backend reports an
// error partway through, points already appended to the backend remain; InsertMultiple does not roll back prior
// batches.
func (e *Engine) InsertMultiple(points []*Point, batchSize int) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if batchSize < 1 {
		return ErrInvalidBatchSize
	}

	now := clock.Now()
	for start := 0; start < len(points); start += batchSize {
		end := start + batchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]

		rows := make([]storage.Row, len(batch))
		stampedPts := make([]*Point, len(batch))
		for i, p := range batch {
			stamped := p.stamp(now)
			row, err := encodeRow(stamped, e.compactKeys)
			if err != nil {
				return err
			}
			rows[i] = row
			stampedPts[i] = stamped
		}

		ids, err := e.backend.AppendMany(rows)
		if err != nil {
			return e.storageErr(err, "append batch")
		}
		for i, id := range ids {
			e.idx.Insert(id, stampedPts[i])
		}
	}
	return nil
}

// candidateRows resolves q's partial evaluation against the current index, returning the candidate bitmap and the
// residual query that must still be checked against each materialized candidate row. When the index cannot be
// consulted (it was invalidated and auto-indexing is off, so ensureIndex left it stale), it returns a nil bitmap,
// meaning every backend row is a candidate, with the whole of q as the residual: the read degrades to a full scan
// but stays correct.
func (e *Engine) candidateRows(q Query) (*roaring.Bitmap, Query) {
	if !e.idx.IsValid() {
		if q == nil {
			return nil, trueQuery{}
		}
		return nil, q
	}
	if q == nil {
		return e.idx.AllRows(), trueQuery{}
	}
	return q.partial(e.idx)
}

// readCandidates materializes the points named by candidates from the backend, applying residual to each and
// keeping only the matches. A nil candidates bitmap admits every row. It performs a single full scan of the
// backend regardless of how sparse candidates is, since storage.Backend only supports sequential reads.
func (e *Engine) readCandidates(candidates *roaring.Bitmap, residual Query) ([]*Point, error) {
	it, err := e.backend.ReadAll()
	if err != nil {
		return nil, e.storageErr(err, "read backend")
	}

	var out []*Point
	for {
		id, row, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, e.storageErr(err, "scan backend")
		}
		if candidates != nil && !candidates.Contains(uint32(id)) {
			continue
		}
		p, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		if isTrivial(residual) || residual.evalPoint(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Search returns every point matching q. If sorted is true, results are ordered by ascending timestamp, with ties
// broken by ascending row-id (the insertion/backend order).
func (e *Engine) Search(q Query, sorted bool) ([]*Point, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.ensureIndex(); err != nil {
		return nil, err
	}
	cand, residual := e.candidateRows(q)
	pts, err := e.readCandidates(cand, residual)
	if err != nil {
		return nil, err
	}
	if sorted {
		sort.SliceStable(pts, func(i, j int) bool {
			return pts[i].time.Before(pts[j].time)
		})
	}
	return pts, nil
}

// All returns every point in the engine. See Search for the sorted parameter's meaning.
func (e *Engine) All(sorted bool) ([]*Point, error) {
	return e.Search(nil, sorted)
}

// Iterate calls fn with every point matching q (unsorted, backend order), stopping at the first error fn returns.
func (e *Engine) Iterate(q Query, fn func(*Point) error) error {
	pts, err := e.Search(q, false)
	if err != nil {
		return err
	}
	for _, p := range pts {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether any point matches q.
func (e *Engine) Contains(q Query) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	if err := e.ensureIndex(); err != nil {
		return false, err
	}
	cand, residual := e.candidateRows(q)
	if isTrivial(residual) {
		if cand == nil {
			return e.backend.Length() > 0, nil
		}
		return !cand.IsEmpty(), nil
	}

	// Residual left to check: scan, but stop at the first row that satisfies it.
	it, err := e.backend.ReadAll()
	if err != nil {
		return false, e.storageErr(err, "read backend")
	}
	for {
		id, row, err := it.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, e.storageErr(err, "scan backend")
		}
		if cand != nil && !cand.Contains(uint32(id)) {
			continue
		}
		p, err := decodeRow(row)
		if err != nil {
			return false, err
		}
		if residual.evalPoint(p) {
			return true, nil
		}
	}
}

// Count returns the number of points matching q.
func (e *Engine) Count(q Query) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if err := e.ensureIndex(); err != nil {
		return 0, err
	}
	cand, residual := e.candidateRows(q)
	if isTrivial(residual) {
		if cand == nil {
			return e.backend.Length(), nil
		}
		return int(cand.GetCardinality()), nil
	}
	pts, err := e.readCandidates(cand, residual)
	if err != nil {
		return 0, err
	}
	return len(pts), nil
}

// Get returns the first point matching q in ascending-time order (ties broken by insertion order), or ok=false if
// none match.
func (e *Engine) Get(q Query) (*Point, bool, error) {
	pts, err := e.Search(q, true)
	if err != nil {
		return nil, false, err
	}
	if len(pts) == 0 {
		return nil, false, nil
	}
	return pts[0], true, nil
}

// Select projects each point matching q onto paths, producing one row of values per matching point. A value is
// nil if the point lacks the named tag or field.
func (e *Engine) Select(paths []Path, q Query) ([][]interface{}, error) {
	pts, err := e.Search(q, false)
	if err != nil {
		return nil, err
	}
	out := make([][]interface{}, len(pts))
	for i, p := range pts {
		row := make([]interface{}, len(paths))
		for j, path := range paths {
			v, ok := pointValue(p, path)
			if ok {
				row[j] = v
			}
		}
		out[i] = row
	}
	return out, nil
}

// GetMeasurements returns the distinct measurement names among points matching q (all points, if q is nil), sorted.
// An unfiltered call on a valid index is answered from the index alone, without touching storage.
func (e *Engine) GetMeasurements(q Query) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.ensureIndex(); err != nil {
		return nil, err
	}
	if q == nil && e.idx.IsValid() {
		return e.idx.Measurements(), nil
	}
	pts, err := e.Search(q, false)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, p := range pts {
		set[p.measurement] = struct{}{}
	}
	return sortedSet(set), nil
}

// GetTagKeys returns the distinct tag keys among points matching q, sorted. An unfiltered call on a valid index is
// answered from the index alone.
func (e *Engine) GetTagKeys(q Query) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.ensureIndex(); err != nil {
		return nil, err
	}
	if q == nil && e.idx.IsValid() {
		return e.idx.TagKeysList(), nil
	}
	pts, err := e.Search(q, false)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, p := range pts {
		for k := range p.tags {
			set[k] = struct{}{}
		}
	}
	return sortedSet(set), nil
}

// GetTagValues returns the distinct values of tag key among points matching q, sorted. An unfiltered call on a
// valid index is answered from the index alone.
func (e *Engine) GetTagValues(key string, q Query) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.ensureIndex(); err != nil {
		return nil, err
	}
	if q == nil && e.idx.IsValid() {
		return e.idx.TagValues(key), nil
	}
	pts, err := e.Search(q, false)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, p := range pts {
		if v, ok := p.tags[key]; ok {
			set[v] = struct{}{}
		}
	}
	return sortedSet(set), nil
}

// GetFieldKeys returns the distinct field keys among points matching q, sorted. An unfiltered call on a valid
// index is answered from the index alone.
func (e *Engine) GetFieldKeys(q Query) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.ensureIndex(); err != nil {
		return nil, err
	}
	if q == nil && e.idx.IsValid() {
		return e.idx.FieldKeysList(), nil
	}
	pts, err := e.Search(q, false)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, p := range pts {
		for k := range p.fields {
			set[k] = struct{}{}
		}
	}
	return sortedSet(set), nil
}

// GetFieldValues returns the distinct values of field key among points matching q. Values are returned in
// insertion-encounter order, since field values (unlike tags) are not necessarily comparable/orderable as a set of
// strings.
func (e *Engine) GetFieldValues(key string, q Query) ([]interface{}, error) {
	pts, err := e.Search(q, false)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	seen := make(map[interface{}]struct{})
	for _, p := range pts {
		v, ok := p.fields[key]
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// GetTimestamps returns the distinct timestamps among points matching q, sorted ascending. An unfiltered call on a
// valid index reads the already-sorted timestamp sequence directly.
func (e *Engine) GetTimestamps(q Query) ([]time.Time, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.ensureIndex(); err != nil {
		return nil, err
	}
	if q == nil && e.idx.IsValid() {
		return e.idx.Timestamps(), nil
	}
	pts, err := e.Search(q, true)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for i, p := range pts {
		if i == 0 || !p.time.Equal(out[len(out)-1]) {
			out = append(out, p.time)
		}
	}
	return out, nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UpdateSpec names the changes Update/UpdateAll apply to each matching point. Each attribute takes either a static
// replacement (Time, Measurement, Tags, Fields) or a transform function of the current value (TransformTime,
// TransformMeasurement, TransformTags, TransformFields); when both are set, the static value is applied first and
// the transform sees its result. Tags and Fields, whether given statically or returned by a transform, are
// merged into the existing map per key, not replaced wholesale: keys the update names overwrite, keys it omits are
// retained. Use RemoveTags/RemoveFields to delete specific keys after the merge.
//
// An update that produces an invalid point (empty measurement, unsupported field value kind) fails with
// ErrInvalidPoint before any row is rewritten.
type UpdateSpec struct {
	Time                 *time.Time
	TransformTime        func(time.Time) time.Time
	Measurement          *string
	TransformMeasurement func(string) string
	Tags                 Tags
	TransformTags        func(Tags) Tags
	Fields               Fields
	TransformFields      func(Fields) Fields
	RemoveTags           []string
	RemoveFields         []string
}

func (spec UpdateSpec) apply(p *Point) (*Point, error) {
	q := *p
	if spec.Time != nil {
		q.time = spec.Time.UTC()
		q.stamped = true
	}
	if spec.TransformTime != nil {
		q.time = spec.TransformTime(q.time).UTC()
		q.stamped = true
	}
	if spec.Measurement != nil {
		q.measurement = *spec.Measurement
	}
	if spec.TransformMeasurement != nil {
		q.measurement = spec.TransformMeasurement(q.measurement)
	}
	if len(spec.Tags) > 0 || spec.TransformTags != nil || len(spec.RemoveTags) > 0 {
		merged := q.tags.Dup()
		if merged == nil {
			merged = make(Tags)
		}
		for k, v := range spec.Tags {
			merged[k] = v
		}
		if spec.TransformTags != nil {
			for k, v := range spec.TransformTags(merged.Dup()) {
				merged[k] = v
			}
		}
		for _, k := range spec.RemoveTags {
			delete(merged, k)
		}
		q.tags = merged
	}
	if len(spec.Fields) > 0 || spec.TransformFields != nil || len(spec.RemoveFields) > 0 {
		merged := q.fields.Dup()
		if merged == nil {
			merged = make(Fields)
		}
		for k, v := range spec.Fields {
			merged[k] = v
		}
		if spec.TransformFields != nil {
			for k, v := range spec.TransformFields(merged.Dup()) {
				merged[k] = v
			}
		}
		for _, k := range spec.RemoveFields {
			delete(merged, k)
		}
		// A transform may hand back convenience kinds like int or float32; coerce them the same way NewPoint does
		// so the updated point serializes with the exact kinds the rest of the engine expects.
		normalized, err := NewFields(merged)
		if err != nil {
			return nil, err
		}
		q.fields = normalized
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

// rewriteAll streams the backend through fn (applied to every row when q is nil, or only to rows matching q when
// given, with non-matching rows passed through unchanged), then rebuilds the index.
func (e *Engine) rewriteAll(q Query, fn func(*Point) (*Point, error)) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	var matchSet *roaring.Bitmap
	if q != nil {
		if err := e.ensureIndex(); err != nil {
			return err
		}
		cand, residual := e.candidateRows(q)
		if isTrivial(residual) && cand != nil {
			// The index alone resolves membership; no per-row evaluation needed during the rewrite pass.
			matchSet = cand
		}
	}

	src, err := e.backend.ReadAll()
	if err != nil {
		return e.storageErr(err, "read backend")
	}

	// An updater that produces an invalid point is a validation failure, not a storage failure; remember it so it
	// comes back to the caller unwrapped once Rewrite has aborted the swap.
	var updaterErr error
	transform := func(id int, row storage.Row) (storage.Row, error) {
		p, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		match := true
		if q != nil {
			if matchSet != nil {
				match = matchSet.Contains(uint32(id))
			} else {
				match = q.evalPoint(p)
			}
		}
		if match {
			p, err = fn(p)
			if err != nil {
				updaterErr = err
				return nil, err
			}
		}
		return encodeRow(p, e.compactKeys)
	}

	it := &idRewriteIterator{src: src, transform: transform}
	if err := e.backend.Rewrite(it); err != nil {
		if updaterErr != nil {
			return updaterErr
		}
		return e.storageErr(err, "rewrite backend")
	}

	return e.storageErr(e.idx.Rebuild(e.backend), "rebuild index after rewrite")
}

// idRewriteIterator adapts a (id, row) -> row transform function, which needs the original row-id to consult a
// precomputed candidate bitmap, into a storage.RowIterator. A transform error is returned as-is, never masked as
// io.EOF, so the backend's Rewrite aborts the atomic swap instead of committing a partial result.
type idRewriteIterator struct {
	src       storage.RowIterator
	transform func(id int, row storage.Row) (storage.Row, error)
	nextID    int
}

func (it *idRewriteIterator) Next() (int, storage.Row, error) {
	id, row, err := it.src.Next()
	if err != nil {
		return 0, nil, err
	}
	out, err := it.transform(id, row)
	if err != nil {
		return 0, nil, err
	}
	newID := it.nextID
	it.nextID++
	return newID, out, nil
}

// Update applies spec to every point matching q.
func (e *Engine) Update(q Query, spec UpdateSpec) error {
	return e.rewriteAll(q, spec.apply)
}

// UpdateAll applies spec to every point in the engine.
func (e *Engine) UpdateAll(spec UpdateSpec) error {
	return e.rewriteAll(nil, spec.apply)
}

// Remove deletes every point matching q.
func (e *Engine) Remove(q Query) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.ensureIndex(); err != nil {
		return err
	}
	cand, residual := e.candidateRows(q)

	src, err := e.backend.ReadAll()
	if err != nil {
		return e.storageErr(err, "read backend")
	}

	it := &filterRewriteIterator{src: src, keep: func(id int, p *Point) bool {
		matched := (cand == nil || cand.Contains(uint32(id))) && (isTrivial(residual) || residual.evalPoint(p))
		return !matched
	}}
	if err := e.backend.Rewrite(it); err != nil {
		return e.storageErr(err, "rewrite backend")
	}

	return e.storageErr(e.idx.Rebuild(e.backend), "rebuild index after remove")
}

// RemoveAll deletes every point in the engine.
func (e *Engine) RemoveAll() error {
	return e.Remove(nil)
}

// filterRewriteIterator re-encodes only the rows keep accepts, renumbering row-ids densely from 0. A decode error
// is returned as-is, never masked as io.EOF, so the backend's Rewrite aborts the atomic swap instead of committing
// a partial result.
type filterRewriteIterator struct {
	src    storage.RowIterator
	keep   func(id int, p *Point) bool
	nextID int
}

func (it *filterRewriteIterator) Next() (int, storage.Row, error) {
	for {
		id, row, err := it.src.Next()
		if err != nil {
			return 0, nil, err
		}
		p, err := decodeRow(row)
		if err != nil {
			return 0, nil, err
		}
		if !it.keep(id, p) {
			continue
		}
		newID := it.nextID
		it.nextID++
		return newID, row, nil
	}
}

// Reindex forces a full index rebuild regardless of validity.
func (e *Engine) Reindex() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.storageErr(e.idx.Rebuild(e.backend), "reindex")
}

// Stats reports the engine's current size and index state. Unlike the query operations, Stats never triggers a
// rebuild: it exists to observe index validity, so it must not repair it as a side effect. Measurements reflects
// the index's last consistent view and may be stale while IndexValid is false.
func (e *Engine) Stats() (EngineStats, error) {
	if err := e.checkOpen(); err != nil {
		return EngineStats{}, err
	}
	return EngineStats{
		RowCount:     e.backend.Length(),
		IndexValid:   e.idx.IsValid(),
		Measurements: len(e.idx.Measurements()),
	}, nil
}

// Close releases any resources held by a backend Open created itself (the default storage.File). A backend passed
// in explicitly via WithBackend is left open, since the caller retains ownership of it. Close is safe to call more
// than once.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if !e.ownsBackend {
		return nil
	}
	if closer, ok := e.backend.(storage.Closer); ok {
		return closer.Close()
	}
	return nil
}
