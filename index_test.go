package tinyflux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.spiff.io/tinyflux/storage"
)

func mustPoint(t *testing.T, opts ...PointOption) *Point {
	t.Helper()
	p, err := NewPoint(opts...)
	require.NoError(t, err)
	return p
}

func TestIndex_Insert_InOrder(t *testing.T) {
	idx := NewIndex()
	t0 := testTime
	t1 := testTime.Add(time.Minute)

	idx.Insert(0, mustPoint(t, WithTime(t0), WithMeasurement("aqi")))
	idx.Insert(1, mustPoint(t, WithTime(t1), WithMeasurement("aqi")))

	assert.True(t, idx.IsValid())
	assert.Equal(t, 2, idx.RowCount())
}

func TestIndex_Insert_OutOfOrderInvalidates(t *testing.T) {
	idx := NewIndex()
	t0 := testTime
	t1 := testTime.Add(-time.Minute)

	idx.Insert(0, mustPoint(t, WithTime(t0)))
	idx.Insert(1, mustPoint(t, WithTime(t1)))

	assert.False(t, idx.IsValid())
}

func TestIndex_Rebuild(t *testing.T) {
	backend := storage.NewMemory()
	pts := []*Point{
		mustPoint(t, WithTime(testTime.Add(2*time.Minute)), WithMeasurement("aqi"), WithTags(Tags{"city": "LA"})),
		mustPoint(t, WithTime(testTime), WithMeasurement("aqi"), WithTags(Tags{"city": "SF"})),
		mustPoint(t, WithTime(testTime.Add(time.Minute)), WithMeasurement("temp"), WithFields(Fields{"v": int64(1)})),
	}
	for _, p := range pts {
		row, err := encodeRow(p, false)
		require.NoError(t, err)
		_, err = backend.Append(row)
		require.NoError(t, err)
	}

	idx := NewIndex()
	require.NoError(t, idx.Rebuild(backend))

	assert.True(t, idx.IsValid())
	assert.Equal(t, 3, idx.RowCount())
	assert.Equal(t, []string{"aqi", "temp"}, idx.Measurements())
	assert.Equal(t, []string{"city"}, idx.TagKeysList())
	assert.ElementsMatch(t, []string{"LA", "SF"}, idx.TagValues("city"))
	assert.Equal(t, []string{"v"}, idx.FieldKeysList())
}

func TestIndex_RowsInTimeRange(t *testing.T) {
	backend := storage.NewMemory()
	times := []time.Time{
		testTime,
		testTime.Add(time.Minute),
		testTime.Add(2 * time.Minute),
	}
	for _, tm := range times {
		row, err := encodeRow(mustPoint(t, WithTime(tm)), false)
		require.NoError(t, err)
		_, err = backend.Append(row)
		require.NoError(t, err)
	}

	idx := NewIndex()
	require.NoError(t, idx.Rebuild(backend))

	lo, hi := testTime, testTime.Add(time.Minute)
	bm := idx.RowsInTimeRange(&lo, &hi, true, true)
	assert.Equal(t, uint64(2), bm.GetCardinality())

	bm = idx.RowsInTimeRange(&lo, &hi, false, false)
	assert.Equal(t, uint64(0), bm.GetCardinality())

	bm = idx.RowsInTimeRange(&lo, nil, true, false)
	assert.Equal(t, uint64(3), bm.GetCardinality())
}

func TestIndex_RowsForTagAndMeasurement_MissingKeysReturnEmpty(t *testing.T) {
	idx := NewIndex()
	assert.Equal(t, uint64(0), idx.RowsForMeasurement("nope").GetCardinality())
	assert.Equal(t, uint64(0), idx.RowsForTag("nope", "nope").GetCardinality())
	assert.Equal(t, uint64(0), idx.RowsWithTagKey("nope").GetCardinality())
	assert.Equal(t, uint64(0), idx.RowsWithFieldKey("nope").GetCardinality())
}

func TestIndex_Rebuild_StubbedBackendOnlyFullyScannedOnce(t *testing.T) {
	backend := storage.NewMemory()
	for i := 0; i < 5; i++ {
		row, err := encodeRow(mustPoint(t, WithTime(testTime.Add(time.Duration(i)*time.Minute))), false)
		require.NoError(t, err)
		_, err = backend.Append(row)
		require.NoError(t, err)
	}

	counter := &countingBackend{Backend: backend}
	idx := NewIndex()
	require.NoError(t, idx.Rebuild(counter))
	assert.Equal(t, 1, counter.readAllCalls, "Rebuild should scan the backend exactly once")

	// Once valid, a fast time-range lookup must not touch the backend again.
	lo, hi := testTime, testTime.Add(time.Hour)
	_ = idx.RowsInTimeRange(&lo, &hi, true, true)
	assert.Equal(t, 1, counter.readAllCalls)
}

type countingBackend struct {
	storage.Backend
	readAllCalls int
}

func (c *countingBackend) ReadAll() (storage.RowIterator, error) {
	c.readAllCalls++
	return c.Backend.ReadAll()
}
