package tinyflux

import (
	"io"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"

	"go.spiff.io/tinyflux/storage"
)

// tagKey is the composite key for the by_tag inverted map.
type tagKey struct {
	key, value string
}

// tsEntry is one (timestamp, row-id) pair in the sorted timestamp index.
type tsEntry struct {
	t   time.Time
	row uint32
}

// Index is the in-memory acceleration structure over a storage backend: a sorted timestamp sequence plus inverted
// maps from measurement, tag, tag-key, and field-key to the row-ids that carry them. Row-id sets are roaring
// bitmaps rather than plain Go maps/slices, since row-ids are dense (0..N-1 after a rebuild) and partial query
// evaluation needs fast set intersection, union, and complement.
type Index struct {
	timestamps []tsEntry

	byMeasurement map[string]*roaring.Bitmap
	byTag         map[tagKey]*roaring.Bitmap
	tagKeys       map[string]*roaring.Bitmap
	fieldKeys     map[string]*roaring.Bitmap

	maxTime time.Time
	valid   bool
	empty   bool

	// log receives the index's own operational events (invalidation, rebuild). Engine.Open overwrites this to its
	// own configured logger; left at the package default for an Index constructed directly (e.g. in tests).
	log *logrus.Logger
}

// NewIndex returns an empty, valid Index.
func NewIndex() *Index {
	return &Index{
		byMeasurement: make(map[string]*roaring.Bitmap),
		byTag:         make(map[tagKey]*roaring.Bitmap),
		tagKeys:       make(map[string]*roaring.Bitmap),
		fieldKeys:     make(map[string]*roaring.Bitmap),
		valid:         true,
		empty:         true,
		log:           Log,
	}
}

// IsValid reports whether the index faithfully reflects the backend's current contents.
func (idx *Index) IsValid() bool { return idx.valid }

// RowCount returns the number of rows currently indexed.
func (idx *Index) RowCount() int { return len(idx.timestamps) }

func bitmapFor(m map[string]*roaring.Bitmap, key string) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

func (idx *Index) addToMaps(rowID int, p *Point) {
	id := uint32(rowID)

	bitmapFor(idx.byMeasurement, p.measurement).Add(id)

	for name, value := range p.tags {
		key := tagKey{name, value}
		bm, ok := idx.byTag[key]
		if !ok {
			bm = roaring.New()
			idx.byTag[key] = bm
		}
		bm.Add(id)
		bitmapFor(idx.tagKeys, name).Add(id)
	}

	for name := range p.fields {
		bitmapFor(idx.fieldKeys, name).Add(id)
	}
}

// Insert records a single freshly-appended (row-id, point) pair. If the point's timestamp is not older than every
// timestamp seen so far, the index is updated in place; otherwise the index is marked invalid and left otherwise
// unchanged; the caller must Rebuild before the index can answer queries again.
func (idx *Index) Insert(rowID int, p *Point) {
	if !idx.empty && p.time.Before(idx.maxTime) {
		idx.valid = false
		idx.log.WithFields(logrus.Fields{
			"row":      rowID,
			"time":     p.time,
			"max_time": idx.maxTime,
		}).Debug("tinyflux: index invalidated by out-of-order insert")
		return
	}

	idx.timestamps = append(idx.timestamps, tsEntry{t: p.time, row: uint32(rowID)})
	idx.addToMaps(rowID, p)
	idx.maxTime = p.time
	idx.empty = false
}

// Rebuild performs a full scan of backend and repopulates every map from scratch. It is idempotent: a
// Rebuild on an already-valid index simply reproduces the same state.
func (idx *Index) Rebuild(backend storage.Backend) error {
	start := time.Now()

	fresh := NewIndex()
	fresh.log = idx.log

	it, err := backend.ReadAll()
	if err != nil {
		return err
	}

	for {
		id, row, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		p, err := decodeRow(row)
		if err != nil {
			return err
		}

		fresh.timestamps = append(fresh.timestamps, tsEntry{t: p.time, row: uint32(id)})
		fresh.addToMaps(id, p)
		fresh.empty = false
	}

	sort.SliceStable(fresh.timestamps, func(i, j int) bool {
		return fresh.timestamps[i].t.Before(fresh.timestamps[j].t)
	})
	for _, e := range fresh.timestamps {
		if e.t.After(fresh.maxTime) {
			fresh.maxTime = e.t
		}
	}
	fresh.valid = true

	*idx = *fresh
	idx.log.WithFields(logrus.Fields{
		"rows":     idx.RowCount(),
		"duration": time.Since(start),
	}).Debug("tinyflux: index rebuilt")
	return nil
}

// RowsInTimeRange returns the row-ids whose timestamp falls within [lo, hi] (bounds individually inclusive or
// exclusive per loInclusive/hiInclusive), found via two binary searches over the sorted timestamp sequence. A nil
// lo or hi means that side of the range is unbounded.
func (idx *Index) RowsInTimeRange(lo, hi *time.Time, loInclusive, hiInclusive bool) *roaring.Bitmap {
	n := len(idx.timestamps)

	start := 0
	if lo != nil {
		start = sort.Search(n, func(i int) bool {
			if loInclusive {
				return !idx.timestamps[i].t.Before(*lo)
			}
			return idx.timestamps[i].t.After(*lo)
		})
	}

	end := n
	if hi != nil {
		end = sort.Search(n, func(i int) bool {
			if hiInclusive {
				return idx.timestamps[i].t.After(*hi)
			}
			return !idx.timestamps[i].t.Before(*hi)
		})
	}

	bm := roaring.New()
	for i := start; i < end && i < n; i++ {
		bm.Add(idx.timestamps[i].row)
	}
	return bm
}

// RowsForMeasurement returns the row-ids carrying the given measurement name.
func (idx *Index) RowsForMeasurement(name string) *roaring.Bitmap {
	if bm, ok := idx.byMeasurement[name]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

// RowsForTag returns the row-ids carrying the exact tag key/value pair.
func (idx *Index) RowsForTag(key, value string) *roaring.Bitmap {
	if bm, ok := idx.byTag[tagKey{key, value}]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

// RowsWithTagKey returns the row-ids carrying any value for the given tag key.
func (idx *Index) RowsWithTagKey(key string) *roaring.Bitmap {
	if bm, ok := idx.tagKeys[key]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

// RowsWithFieldKey returns the row-ids carrying the given field key.
func (idx *Index) RowsWithFieldKey(key string) *roaring.Bitmap {
	if bm, ok := idx.fieldKeys[key]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

// AllRows returns every currently-indexed row-id.
func (idx *Index) AllRows() *roaring.Bitmap {
	bm := roaring.New()
	for _, e := range idx.timestamps {
		bm.Add(e.row)
	}
	return bm
}

// Timestamps returns the distinct timestamps currently indexed, ascending. Duplicate instants (shared by multiple
// rows) appear once.
func (idx *Index) Timestamps() []time.Time {
	var out []time.Time
	for i, e := range idx.timestamps {
		if i == 0 || !e.t.Equal(out[len(out)-1]) {
			out = append(out, e.t)
		}
	}
	return out
}

// Measurements returns the distinct measurement names currently indexed, sorted.
func (idx *Index) Measurements() []string {
	names := make([]string, 0, len(idx.byMeasurement))
	for name := range idx.byMeasurement {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TagKeysList returns the distinct tag keys currently indexed, sorted.
func (idx *Index) TagKeysList() []string {
	keys := make([]string, 0, len(idx.tagKeys))
	for k := range idx.tagKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TagValues returns the distinct values seen for the given tag key, sorted.
func (idx *Index) TagValues(key string) []string {
	var values []string
	for tk := range idx.byTag {
		if tk.key == key {
			values = append(values, tk.value)
		}
	}
	sort.Strings(values)
	return values
}

// FieldKeysList returns the distinct field keys currently indexed, sorted.
func (idx *Index) FieldKeysList() []string {
	keys := make([]string, 0, len(idx.fieldKeys))
	for k := range idx.fieldKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
