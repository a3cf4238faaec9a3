package tinyflux

import (
	"fmt"
	"sort"
	"time"
)

// DefaultMeasurement is the measurement name assigned to a Point whose measurement was never set.
const DefaultMeasurement = "_default"

// Tags is a mapping of tag names to tag values. Tag values are never empty-only keys; an empty string is a valid
// tag value and must round-trip through serialization unchanged.
type Tags map[string]string

// Dup returns a shallow copy of t. If t is nil, it returns nil.
func (t Tags) Dup() Tags {
	if t == nil {
		return nil
	}
	d := make(Tags, len(t))
	for k, v := range t {
		d[k] = v
	}
	return d
}

// Fields is a mapping of field names to field values. Allowed value kinds are int64, float64, bool, and string;
// see NewFields for the normalization rules applied to other numeric Go types.
type Fields map[string]interface{}

// Dup returns a shallow copy of f. If f is nil, it returns nil.
func (f Fields) Dup() Fields {
	if f == nil {
		return nil
	}
	d := make(Fields, len(f))
	for k, v := range f {
		d[k] = v
	}
	return d
}

// NewFields normalizes a map of arbitrary field values into Fields, coercing Go's assorted integer and floating
// point types down to int64/float64 so exact-kind comparisons in the query layer and serialization stay simple.
// It returns ErrInvalidPoint if any value is not a recognized numeric type, bool, or string.
func NewFields(values map[string]interface{}) (Fields, error) {
	if values == nil {
		return nil, nil
	}
	out := make(Fields, len(values))
	for k, v := range values {
		nv, err := normalizeField(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidPoint, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeField(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case bool, string, int64, float64:
		return n, nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return float64(n), nil
	default:
		return nil, fmt.Errorf("unsupported field value type %T", v)
	}
}

// Point is one immutable time-series observation: a timestamp, a measurement name, a set of tags, and a set of
// fields. A Point built without WithTime is "unstamped" and will be given the current UTC time at insert.
type Point struct {
	stamped     bool
	time        time.Time
	measurement string
	tags        Tags
	fields      Fields
}

// PointOption configures a Point constructed with NewPoint.
type PointOption func(*Point) error

// WithTime sets the point's timestamp. The instant is preserved exactly; the Location is normalized to UTC, which
// is the only conversion Go's time.Time requires since every time.Time already carries a definite Location (there
// is no "naive" time.Time the way there is a naive datetime in other languages).
func WithTime(t time.Time) PointOption {
	return func(p *Point) error {
		p.time = t.UTC()
		p.stamped = true
		return nil
	}
}

// WithMeasurement sets the point's measurement name.
func WithMeasurement(name string) PointOption {
	return func(p *Point) error {
		p.measurement = name
		return nil
	}
}

// WithTags sets the point's tags, replacing any previously set.
func WithTags(tags Tags) PointOption {
	return func(p *Point) error {
		p.tags = tags.Dup()
		return nil
	}
}

// WithFields sets the point's fields, replacing any previously set. Values must already be normalized (see
// NewFields); NewPoint validates them at construction.
func WithFields(fields Fields) PointOption {
	return func(p *Point) error {
		p.fields = fields.Dup()
		return nil
	}
}

// NewPoint allocates a Point from any subset of time, measurement, tags, and fields. Measurement defaults to
// DefaultMeasurement when not given. Field values are validated against the allowed kinds (int64, float64, bool,
// string); an invalid value returns ErrInvalidPoint and no Point.
func NewPoint(opts ...PointOption) (*Point, error) {
	p := &Point{measurement: DefaultMeasurement}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Point) validate() error {
	if p.measurement == "" {
		return fmt.Errorf("%w: measurement must not be empty", ErrInvalidPoint)
	}
	for name, v := range p.fields {
		switch v.(type) {
		case int64, float64, bool, string:
		default:
			return fmt.Errorf("%w: field %q: unsupported field value type %T", ErrInvalidPoint, name, v)
		}
	}
	return nil
}

// Time returns the point's timestamp. If the point is unstamped, it returns the zero time.Time; use Stamped to
// distinguish a genuinely unstamped point from one that happens to carry the zero instant.
func (p *Point) Time() time.Time { return p.time }

// Stamped reports whether the point carries an explicit timestamp.
func (p *Point) Stamped() bool { return p.stamped }

// Measurement returns the point's measurement name.
func (p *Point) Measurement() string { return p.measurement }

// Tags returns a copy of the point's tags.
func (p *Point) Tags() Tags { return p.tags.Dup() }

// Fields returns a copy of the point's fields.
func (p *Point) Fields() Fields { return p.fields.Dup() }

// stamp returns a copy of p with an explicit time, set to now if p was unstamped. Called by the engine immediately
// before a point is appended to storage; it never mutates p.
func (p *Point) stamp(now time.Time) *Point {
	if p.stamped {
		return p
	}
	q := *p
	q.time = now.UTC()
	q.stamped = true
	return &q
}

// withMeasurement returns a copy of p with its measurement replaced. Used by MeasurementView.Insert.
func (p *Point) withMeasurement(name string) *Point {
	q := *p
	q.measurement = name
	return &q
}

// Equal reports whether p and other have identical attributes after UTC normalization. Two unstamped points are
// equal regardless of the zero time's Location; a stamped point is never equal to an unstamped one.
func (p *Point) Equal(other *Point) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.stamped != other.stamped {
		return false
	}
	if p.stamped && !p.time.Equal(other.time) {
		return false
	}
	if p.measurement != other.measurement {
		return false
	}
	if len(p.tags) != len(other.tags) {
		return false
	}
	for k, v := range p.tags {
		if ov, ok := other.tags[k]; !ok || ov != v {
			return false
		}
	}
	if len(p.fields) != len(other.fields) {
		return false
	}
	for k, v := range p.fields {
		ov, ok := other.fields[k]
		if !ok || !fieldEqual(v, ov) {
			return false
		}
	}
	return true
}

func fieldEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return false
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldKeys(m Fields) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
