package tinyflux

import "time"

// MeasurementView is a thin façade over an Engine that scopes every operation to a single measurement name,
// forwarding everything it does not itself intercept: each read/update/remove is given an implicit
// Measurement().Eq(name) predicate, ANDed onto whatever query the caller passes, and every inserted point has its
// measurement overwritten to name regardless of what it already carried.
type MeasurementView struct {
	engine *Engine
	name   string
}

// Measurement returns a view scoped to the given measurement name.
func (e *Engine) Measurement(name string) *MeasurementView {
	return &MeasurementView{engine: e, name: name}
}

func (v *MeasurementView) scope(q Query) Query {
	self := Measurement().Eq(v.name)
	if q == nil {
		return self
	}
	return And(self, q)
}

// Insert appends p under this view's measurement, regardless of what measurement p was built with.
func (v *MeasurementView) Insert(p *Point) error {
	return v.engine.Insert(p.withMeasurement(v.name))
}

// InsertMultiple appends points under this view's measurement. See Engine.InsertMultiple for batchSize semantics.
func (v *MeasurementView) InsertMultiple(points []*Point, batchSize int) error {
	scoped := make([]*Point, len(points))
	for i, p := range points {
		scoped[i] = p.withMeasurement(v.name)
	}
	return v.engine.InsertMultiple(scoped, batchSize)
}

// Search returns every point in this measurement matching q (q may be nil for "every point in the measurement").
func (v *MeasurementView) Search(q Query, sorted bool) ([]*Point, error) {
	return v.engine.Search(v.scope(q), sorted)
}

// All returns every point in this measurement.
func (v *MeasurementView) All(sorted bool) ([]*Point, error) {
	return v.engine.Search(v.scope(nil), sorted)
}

// Iterate calls fn with every point in this measurement matching q.
func (v *MeasurementView) Iterate(q Query, fn func(*Point) error) error {
	return v.engine.Iterate(v.scope(q), fn)
}

// Contains reports whether any point in this measurement matches q.
func (v *MeasurementView) Contains(q Query) (bool, error) {
	return v.engine.Contains(v.scope(q))
}

// Count returns the number of points in this measurement matching q.
func (v *MeasurementView) Count(q Query) (int, error) {
	return v.engine.Count(v.scope(q))
}

// Get returns one point in this measurement matching q.
func (v *MeasurementView) Get(q Query) (*Point, bool, error) {
	return v.engine.Get(v.scope(q))
}

// Select projects points in this measurement matching q onto paths.
func (v *MeasurementView) Select(paths []Path, q Query) ([][]interface{}, error) {
	return v.engine.Select(paths, v.scope(q))
}

// GetMeasurements returns this view's own measurement name, wrapped in a slice, if any point in it matches q (any
// point at all, if q is nil); it returns an empty slice otherwise. Present for forwarding parity
// with the rest of the Get* family, even though a view's measurement is already known by construction.
func (v *MeasurementView) GetMeasurements(q Query) ([]string, error) {
	return v.engine.GetMeasurements(v.scope(q))
}

// GetTagKeys returns the distinct tag keys in this measurement matching q.
func (v *MeasurementView) GetTagKeys(q Query) ([]string, error) {
	return v.engine.GetTagKeys(v.scope(q))
}

// GetTagValues returns the distinct values of tag key in this measurement matching q.
func (v *MeasurementView) GetTagValues(key string, q Query) ([]string, error) {
	return v.engine.GetTagValues(key, v.scope(q))
}

// GetFieldKeys returns the distinct field keys in this measurement matching q.
func (v *MeasurementView) GetFieldKeys(q Query) ([]string, error) {
	return v.engine.GetFieldKeys(v.scope(q))
}

// GetFieldValues returns the distinct values of field key in this measurement matching q.
func (v *MeasurementView) GetFieldValues(key string, q Query) ([]interface{}, error) {
	return v.engine.GetFieldValues(key, v.scope(q))
}

// GetTimestamps returns the distinct timestamps in this measurement matching q, sorted ascending.
func (v *MeasurementView) GetTimestamps(q Query) ([]time.Time, error) {
	return v.engine.GetTimestamps(v.scope(q))
}

// Update applies spec to every point in this measurement matching q. spec.Measurement and
// spec.TransformMeasurement are ignored: use a fresh Insert/Remove pair to move a point between measurements.
func (v *MeasurementView) Update(q Query, spec UpdateSpec) error {
	spec.Measurement = nil
	spec.TransformMeasurement = nil
	return v.engine.Update(v.scope(q), spec)
}

// UpdateAll applies spec to every point in this measurement. spec.Measurement and spec.TransformMeasurement are
// ignored.
func (v *MeasurementView) UpdateAll(spec UpdateSpec) error {
	spec.Measurement = nil
	spec.TransformMeasurement = nil
	return v.engine.Update(v.scope(nil), spec)
}

// Remove deletes every point in this measurement matching q.
func (v *MeasurementView) Remove(q Query) error {
	return v.engine.Remove(v.scope(q))
}

// RemoveAll deletes every point in this measurement.
func (v *MeasurementView) RemoveAll() error {
	return v.engine.Remove(v.scope(nil))
}
