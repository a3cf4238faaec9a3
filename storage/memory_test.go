package storage

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, it RowIterator) []Row {
	t.Helper()
	var rows []Row
	for {
		_, row, err := it.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestMemory_AppendAndReadAll(t *testing.T) {
	m := NewMemory()

	id0, err := m.Append(Row{"a", "1"})
	require.NoError(t, err)
	assert.Equal(t, 0, id0)

	id1, err := m.Append(Row{"b", "2"})
	require.NoError(t, err)
	assert.Equal(t, 1, id1)

	it, err := m.ReadAll()
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{"a", "1"}, rows[0])
	assert.Equal(t, Row{"b", "2"}, rows[1])
	assert.Equal(t, 2, m.Length())
}

func TestMemory_AppendMany(t *testing.T) {
	m := NewMemory()
	ids, err := m.AppendMany([]Row{{"a"}, {"b"}, {"c"}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)
	assert.Equal(t, 3, m.Length())
}

func TestMemory_ReadAll_IsSnapshot(t *testing.T) {
	m := NewMemory()
	_, err := m.Append(Row{"a"})
	require.NoError(t, err)

	it, err := m.ReadAll()
	require.NoError(t, err)

	_, err = m.Append(Row{"b"})
	require.NoError(t, err)

	rows := drain(t, it)
	assert.Len(t, rows, 1, "iterator should not observe rows appended after ReadAll")
}

type failingIterator struct{ calls int }

func (it *failingIterator) Next() (int, Row, error) {
	it.calls++
	if it.calls == 2 {
		return 0, nil, fakeIterError{}
	}
	return it.calls - 1, Row{"x"}, nil
}

type fakeIterError struct{}

func (fakeIterError) Error() string { return "boom" }

func TestMemory_Rewrite_FailureLeavesPriorContentsIntact(t *testing.T) {
	m := NewMemory()
	_, err := m.Append(Row{"original"})
	require.NoError(t, err)

	err = m.Rewrite(&failingIterator{})
	assert.Error(t, err)

	it, err := m.ReadAll()
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 1)
	assert.Equal(t, Row{"original"}, rows[0])
}

func TestMemory_Rewrite_Success(t *testing.T) {
	m := NewMemory()
	_, err := m.Append(Row{"old"})
	require.NoError(t, err)

	fresh := &memoryIterator{rows: []Row{{"new1"}, {"new2"}}}
	require.NoError(t, m.Rewrite(fresh))

	it, err := m.ReadAll()
	require.NoError(t, err)
	rows := drain(t, it)
	assert.Equal(t, []Row{{"new1"}, {"new2"}}, rows)
}

func TestRow_Clone(t *testing.T) {
	r := Row{"a", "b"}
	c := r.Clone()
	c[0] = "z"
	assert.Equal(t, "a", r[0])

	var nilRow Row
	assert.Nil(t, nilRow.Clone())
}
