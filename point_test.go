package tinyflux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoint_Defaults(t *testing.T) {
	p, err := NewPoint()
	require.NoError(t, err)
	assert.Equal(t, DefaultMeasurement, p.Measurement())
	assert.False(t, p.Stamped())
	assert.True(t, p.Time().IsZero())
}

func TestNewPoint_FieldNormalization(t *testing.T) {
	fields, err := NewFields(map[string]interface{}{
		"count":  int32(7),
		"ratio":  float32(1.5),
		"active": true,
		"name":   "leaf",
	})
	require.NoError(t, err)

	p, err := NewPoint(WithFields(fields))
	require.NoError(t, err)

	got := p.Fields()
	assert.Equal(t, int64(7), got["count"])
	assert.Equal(t, float64(1.5), got["ratio"])
	assert.Equal(t, true, got["active"])
	assert.Equal(t, "leaf", got["name"])
}

func TestNewPoint_InvalidFieldType(t *testing.T) {
	_, err := NewFields(map[string]interface{}{"bad": []int{1, 2}})
	assert.ErrorIs(t, err, ErrInvalidPoint)
}

func TestNewPoint_EmptyMeasurementRejected(t *testing.T) {
	_, err := NewPoint(WithMeasurement(""))
	assert.ErrorIs(t, err, ErrInvalidPoint)
}

func TestWithTime_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("test", 3600)
	local := time.Date(2020, 1, 1, 12, 0, 0, 0, loc)

	p, err := NewPoint(WithTime(local))
	require.NoError(t, err)

	assert.True(t, p.Stamped())
	assert.Equal(t, time.UTC, p.Time().Location())
	assert.True(t, p.Time().Equal(local))
}

func TestPoint_Stamp(t *testing.T) {
	p, err := NewPoint()
	require.NoError(t, err)

	now := testTime
	stamped := p.stamp(now)
	assert.True(t, stamped.Stamped())
	assert.True(t, stamped.Time().Equal(now))

	// stamping an already-stamped point is a no-op: it returns the same instance, not a new one.
	again := stamped.stamp(now.Add(time.Hour))
	assert.Same(t, stamped, again)
}

func TestPoint_Equal(t *testing.T) {
	a, err := NewPoint(WithTime(testTime), WithTags(Tags{"city": "LA"}), WithFields(Fields{"n": int64(1)}))
	require.NoError(t, err)
	b, err := NewPoint(WithTime(testTime), WithTags(Tags{"city": "LA"}), WithFields(Fields{"n": int64(1)}))
	require.NoError(t, err)

	assert.True(t, a.Equal(b))

	c, err := NewPoint(WithTime(testTime), WithTags(Tags{"city": "SF"}), WithFields(Fields{"n": int64(1)}))
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
}

func TestPoint_Equal_UnstampedVsStamped(t *testing.T) {
	unstamped, err := NewPoint()
	require.NoError(t, err)
	stamped, err := NewPoint(WithTime(time.Time{}))
	require.NoError(t, err)

	assert.False(t, unstamped.Equal(stamped))
}

func TestTags_Dup_Independence(t *testing.T) {
	orig := Tags{"a": "1"}
	dup := orig.Dup()
	dup["a"] = "2"
	assert.Equal(t, "1", orig["a"])
}

func TestFields_Dup_Nil(t *testing.T) {
	var f Fields
	assert.Nil(t, f.Dup())
}
