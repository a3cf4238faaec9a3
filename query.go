package tinyflux

import (
	"fmt"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
)

// Op is a comparison operator used by a comparison or transform leaf.
type Op int

const (
	Eq Op = iota
	Neq
	Lt
	Lte
	Gt
	Gte
)

type pathKind int

const (
	pathTime pathKind = iota
	pathMeasurement
	pathTag
	pathField
)

// Path names one of the four attribute dimensions a query can navigate: time, measurement, a specific tag value,
// or a specific field value. Paths are built with the Time, Measurement, Tag, and Field constructors rather than
// any attribute-lookup or reflection magic.
type Path struct {
	kind pathKind
	key  string
}

// Time selects a point's timestamp.
func Time() Path { return Path{kind: pathTime} }

// Measurement selects a point's measurement name.
func Measurement() Path { return Path{kind: pathMeasurement} }

// Tag selects the value of the tag named key.
func Tag(key string) Path { return Path{kind: pathTag, key: key} }

// Field selects the value of the field named key.
func Field(key string) Path { return Path{kind: pathField, key: key} }

func (p Path) String() string {
	switch p.kind {
	case pathTime:
		return "time"
	case pathMeasurement:
		return "measurement"
	case pathTag:
		return "tags." + p.key
	case pathField:
		return "fields." + p.key
	default:
		return "?"
	}
}

// ParsePath parses a textual attribute path ("time", "measurement", "tags.<key>", "fields.<key>", or the
// bracketed form "tags[<key>]"/"fields[<key>]" for keys that aren't valid identifiers) into a Path. It returns
// ErrUnknownPath if s does not name a recognized attribute.
func ParsePath(s string) (Path, error) {
	switch {
	case s == "time":
		return Time(), nil
	case s == "measurement":
		return Measurement(), nil
	case strings.HasPrefix(s, "tags."):
		return Tag(s[len("tags."):]), nil
	case strings.HasPrefix(s, "fields."):
		return Field(s[len("fields."):]), nil
	case strings.HasPrefix(s, `tags[`) && strings.HasSuffix(s, `]`):
		return Tag(s[len(`tags[`) : len(s)-1]), nil
	case strings.HasPrefix(s, `fields[`) && strings.HasSuffix(s, `]`):
		return Field(s[len(`fields[`) : len(s)-1]), nil
	default:
		return Path{}, fmt.Errorf("%w: %q", ErrUnknownPath, s)
	}
}

func pointValue(p *Point, path Path) (interface{}, bool) {
	switch path.kind {
	case pathTime:
		return p.time, true
	case pathMeasurement:
		return p.measurement, true
	case pathTag:
		v, ok := p.tags[path.key]
		return v, ok
	case pathField:
		v, ok := p.fields[path.key]
		return v, ok
	default:
		return nil, false
	}
}

// Query is a node in the predicate expression tree: a leaf comparison/existence/regex/transform/test, or a
// not/and/or combinator. Queries are evaluated against a materialized Point with evalPoint, or partially against
// an Index with partial.
type Query interface {
	evalPoint(p *Point) bool
	partial(idx *Index) (candidates *roaring.Bitmap, residual Query)
}

// trueQuery is the sentinel residual meaning "fully answered by the index; nothing left to check".
type trueQuery struct{}

func (trueQuery) evalPoint(*Point) bool { return true }
func (trueQuery) partial(idx *Index) (*roaring.Bitmap, Query) {
	return idx.AllRows(), trueQuery{}
}

func isTrivial(q Query) bool {
	_, ok := q.(trueQuery)
	return ok
}

// --- comparison leaf ---

type compareLeaf struct {
	path    Path
	op      Op
	operand interface{}
}

// Eq builds a leaf testing that path equals operand.
func (p Path) Eq(operand interface{}) Query { return compareLeaf{p, Eq, operand} }

// Neq builds a leaf testing that path does not equal operand.
func (p Path) Neq(operand interface{}) Query { return compareLeaf{p, Neq, operand} }

// Lt builds a leaf testing that path is strictly less than operand.
func (p Path) Lt(operand interface{}) Query { return compareLeaf{p, Lt, operand} }

// Lte builds a leaf testing that path is less than or equal to operand.
func (p Path) Lte(operand interface{}) Query { return compareLeaf{p, Lte, operand} }

// Gt builds a leaf testing that path is strictly greater than operand.
func (p Path) Gt(operand interface{}) Query { return compareLeaf{p, Gt, operand} }

// Gte builds a leaf testing that path is greater than or equal to operand.
func (p Path) Gte(operand interface{}) Query { return compareLeaf{p, Gte, operand} }

func compareOrdered(raw, operand interface{}, op Op) bool {
	switch r := raw.(type) {
	case time.Time:
		o, ok := operand.(time.Time)
		if !ok {
			return false
		}
		switch op {
		case Eq:
			return r.Equal(o)
		case Neq:
			return !r.Equal(o)
		case Lt:
			return r.Before(o)
		case Lte:
			return r.Before(o) || r.Equal(o)
		case Gt:
			return r.After(o)
		case Gte:
			return r.After(o) || r.Equal(o)
		}
	case string:
		o, ok := operand.(string)
		if !ok {
			return false
		}
		switch op {
		case Eq:
			return r == o
		case Neq:
			return r != o
		case Lt:
			return r < o
		case Lte:
			return r <= o
		case Gt:
			return r > o
		case Gte:
			return r >= o
		}
	case bool:
		o, ok := operand.(bool)
		if !ok {
			return false
		}
		switch op {
		case Eq:
			return r == o
		case Neq:
			return r != o
		}
		return false
	case int64, float64:
		rf, _ := numericToFloat(r)
		of, ok := numericToFloat(operand)
		if !ok {
			return false
		}
		switch op {
		case Eq:
			return rf == of
		case Neq:
			return rf != of
		case Lt:
			return rf < of
		case Lte:
			return rf <= of
		case Gt:
			return rf > of
		case Gte:
			return rf >= of
		}
	}
	return false
}

func numericToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func (l compareLeaf) evalPoint(p *Point) bool {
	raw, ok := pointValue(p, l.path)
	if !ok {
		return false
	}
	return compareOrdered(raw, l.operand, l.op)
}

func (l compareLeaf) partial(idx *Index) (*roaring.Bitmap, Query) {
	switch l.path.kind {
	case pathTime:
		t, ok := l.operand.(time.Time)
		if !ok {
			return idx.AllRows(), l
		}
		t = t.UTC()
		switch l.op {
		case Eq:
			return idx.RowsInTimeRange(&t, &t, true, true), trueQuery{}
		case Neq:
			return roaring.AndNot(idx.AllRows(), idx.RowsInTimeRange(&t, &t, true, true)), trueQuery{}
		case Lt:
			return idx.RowsInTimeRange(nil, &t, false, false), trueQuery{}
		case Lte:
			return idx.RowsInTimeRange(nil, &t, false, true), trueQuery{}
		case Gt:
			return idx.RowsInTimeRange(&t, nil, false, false), trueQuery{}
		case Gte:
			return idx.RowsInTimeRange(&t, nil, true, false), trueQuery{}
		}
	case pathMeasurement:
		name, ok := l.operand.(string)
		if !ok {
			return idx.AllRows(), l
		}
		switch l.op {
		case Eq:
			return idx.RowsForMeasurement(name), trueQuery{}
		case Neq:
			return roaring.AndNot(idx.AllRows(), idx.RowsForMeasurement(name)), trueQuery{}
		}
	case pathTag:
		value, ok := l.operand.(string)
		if ok && l.op == Eq {
			return idx.RowsForTag(l.path.key, value), trueQuery{}
		}
	}
	// Field-value comparisons, tag inequality, and everything else fall back to a full scan: fields are only
	// indexed by key, and tag/measurement ordering comparisons have no inverted map to answer them from.
	return idx.AllRows(), l
}

// --- existence leaf ---

type existsLeaf struct {
	path Path
}

// Exists builds a leaf testing that path names a tag or field present on the point.
func (p Path) Exists() Query { return existsLeaf{p} }

func (l existsLeaf) evalPoint(p *Point) bool {
	_, ok := pointValue(p, l.path)
	return ok
}

func (l existsLeaf) partial(idx *Index) (*roaring.Bitmap, Query) {
	switch l.path.kind {
	case pathTag:
		return idx.RowsWithTagKey(l.path.key), trueQuery{}
	case pathField:
		return idx.RowsWithFieldKey(l.path.key), trueQuery{}
	default:
		return idx.AllRows(), l
	}
}

// --- regex leaf ---

// RegexFlag selects optional regex matching behavior, mirroring github.com/dlclark/regexp2's RegexOptions.
type RegexFlag int

const (
	// CaseInsensitive makes the pattern match regardless of case.
	CaseInsensitive RegexFlag = 1 << iota
	// Multiline makes ^ and $ match at line boundaries rather than only at the start/end of the whole value.
	Multiline
	// DotAll makes '.' match newlines too. Named for the common cross-engine term; regexp2 itself calls this
	// option Singleline, for confusing historical reasons tied to Perl's /s flag.
	DotAll
)

type regexMode int

const (
	regexMatches regexMode = iota // full-string match
	regexSearch                   // substring match
)

type regexLeaf struct {
	path Path
	mode regexMode
	re   *regexp2.Regexp
}

func compileRegex(pattern string, flags RegexFlag, mode regexMode) (*regexp2.Regexp, error) {
	var opts regexp2.RegexOptions
	if flags&CaseInsensitive != 0 {
		opts |= regexp2.IgnoreCase
	}
	if flags&Multiline != 0 {
		opts |= regexp2.Multiline
	}
	if flags&DotAll != 0 {
		opts |= regexp2.Singleline
	}

	pat := pattern
	if mode == regexMatches {
		pat = "^(?:" + pattern + ")$"
	}

	re, err := regexp2.Compile(pat, opts)
	if err != nil {
		return nil, errors.Wrapf(ErrBadPattern, "%v", err)
	}
	return re, nil
}

// Matches builds a leaf requiring the full string value at path to match pattern (anchored at both ends).
func (p Path) Matches(pattern string, flags RegexFlag) (Query, error) {
	re, err := compileRegex(pattern, flags, regexMatches)
	if err != nil {
		return nil, err
	}
	return regexLeaf{p, regexMatches, re}, nil
}

// Search builds a leaf requiring pattern to match some substring of the string value at path.
func (p Path) Search(pattern string, flags RegexFlag) (Query, error) {
	re, err := compileRegex(pattern, flags, regexSearch)
	if err != nil {
		return nil, err
	}
	return regexLeaf{p, regexSearch, re}, nil
}

func (l regexLeaf) evalPoint(p *Point) bool {
	raw, ok := pointValue(p, l.path)
	if !ok {
		return false
	}
	s, ok := raw.(string)
	if !ok {
		return false
	}
	matched, err := l.re.MatchString(s)
	if err != nil {
		return false
	}
	return matched
}

func (l regexLeaf) partial(idx *Index) (*roaring.Bitmap, Query) {
	return idx.AllRows(), l
}

// --- transform (map) leaf ---

// MappedPath is a Path with a transform function applied to its raw value before comparison, built with
// Path.Map. It never takes the index fast path: the transform is opaque to the index.
type MappedPath struct {
	path Path
	fn   func(interface{}) interface{}
}

// Map returns a MappedPath that applies fn to the raw value at p before any comparison.
func (p Path) Map(fn func(interface{}) interface{}) MappedPath {
	return MappedPath{path: p, fn: fn}
}

type mapLeaf struct {
	path    Path
	fn      func(interface{}) interface{}
	op      Op
	operand interface{}
}

func (mp MappedPath) Eq(operand interface{}) Query  { return mapLeaf{mp.path, mp.fn, Eq, operand} }
func (mp MappedPath) Neq(operand interface{}) Query { return mapLeaf{mp.path, mp.fn, Neq, operand} }
func (mp MappedPath) Lt(operand interface{}) Query  { return mapLeaf{mp.path, mp.fn, Lt, operand} }
func (mp MappedPath) Lte(operand interface{}) Query { return mapLeaf{mp.path, mp.fn, Lte, operand} }
func (mp MappedPath) Gt(operand interface{}) Query  { return mapLeaf{mp.path, mp.fn, Gt, operand} }
func (mp MappedPath) Gte(operand interface{}) Query { return mapLeaf{mp.path, mp.fn, Gte, operand} }

func (l mapLeaf) evalPoint(p *Point) bool {
	raw, ok := pointValue(p, l.path)
	if !ok {
		return false
	}
	return compareOrdered(l.fn(raw), l.operand, l.op)
}

func (l mapLeaf) partial(idx *Index) (*roaring.Bitmap, Query) {
	return idx.AllRows(), l
}

// --- predicate (test) leaf ---

type testLeaf struct {
	path Path
	fn   func(interface{}) bool
}

// Test builds a leaf that applies fn directly to the raw value at path and uses its boolean result. fn should be
// pure: the engine may call it zero times (when the leaf is excluded by an index fast path elsewhere in a
// combinator) or more than once.
func (p Path) Test(fn func(interface{}) bool) Query {
	return testLeaf{p, fn}
}

func (l testLeaf) evalPoint(p *Point) bool {
	raw, ok := pointValue(p, l.path)
	if !ok {
		return false
	}
	return l.fn(raw)
}

func (l testLeaf) partial(idx *Index) (*roaring.Bitmap, Query) {
	return idx.AllRows(), l
}

// --- combinators ---

type notNode struct{ q Query }

// Not negates q.
func Not(q Query) Query { return notNode{q} }

func (n notNode) evalPoint(p *Point) bool { return !n.q.evalPoint(p) }

func (n notNode) partial(idx *Index) (*roaring.Bitmap, Query) {
	cand, residual := n.q.partial(idx)
	if isTrivial(residual) {
		return roaring.AndNot(idx.AllRows(), cand), trueQuery{}
	}
	return idx.AllRows(), notNode{n.q}
}

type andNode struct{ a, b Query }

// And combines queries with short-circuiting conjunction. And() with one argument returns it unchanged; And()
// with zero arguments is not meaningful and panics.
func And(qs ...Query) Query {
	switch len(qs) {
	case 0:
		panic("tinyflux: And requires at least one query")
	case 1:
		return qs[0]
	}
	q := qs[0]
	for _, next := range qs[1:] {
		q = andNode{q, next}
	}
	return q
}

func (n andNode) evalPoint(p *Point) bool {
	return n.a.evalPoint(p) && n.b.evalPoint(p)
}

func (n andNode) partial(idx *Index) (*roaring.Bitmap, Query) {
	candA, resA := n.a.partial(idx)
	candB, resB := n.b.partial(idx)
	cand := roaring.And(candA, candB)

	switch {
	case isTrivial(resA) && isTrivial(resB):
		return cand, trueQuery{}
	case isTrivial(resA):
		return cand, resB
	case isTrivial(resB):
		return cand, resA
	default:
		return cand, andNode{resA, resB}
	}
}

type orNode struct{ a, b Query }

// Or combines queries with short-circuiting disjunction. Or() with one argument returns it unchanged; Or() with
// zero arguments is not meaningful and panics.
func Or(qs ...Query) Query {
	switch len(qs) {
	case 0:
		panic("tinyflux: Or requires at least one query")
	case 1:
		return qs[0]
	}
	q := qs[0]
	for _, next := range qs[1:] {
		q = orNode{q, next}
	}
	return q
}

func (n orNode) evalPoint(p *Point) bool {
	return n.a.evalPoint(p) || n.b.evalPoint(p)
}

func (n orNode) partial(idx *Index) (*roaring.Bitmap, Query) {
	candA, resA := n.a.partial(idx)
	if !isTrivial(resA) {
		return idx.AllRows(), orNode{n.a, n.b}
	}
	candB, resB := n.b.partial(idx)
	if !isTrivial(resB) {
		return idx.AllRows(), orNode{n.a, n.b}
	}
	return roaring.Or(candA, candB), trueQuery{}
}
