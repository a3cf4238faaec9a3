package storage

import (
	"io"
	"sync"
)

// Memory is an in-process, non-durable Backend: an ordered slice of rows held in memory. Rewrite replaces the
// slice wholesale once the full replacement has been materialized, so a panic or error mid-iteration never
// corrupts the previous contents.
type Memory struct {
	mu   sync.Mutex // advisory only; see Locker on Backend
	rows []Row
}

var (
	_ Backend = (*Memory)(nil)
	_ Locker  = (*Memory)(nil)
)

// NewMemory allocates an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Lock()   { m.mu.Lock() }
func (m *Memory) Unlock() { m.mu.Unlock() }

func (m *Memory) ReadAll() (RowIterator, error) {
	snapshot := make([]Row, len(m.rows))
	copy(snapshot, m.rows)
	return &memoryIterator{rows: snapshot}, nil
}

func (m *Memory) Append(row Row) (int, error) {
	m.rows = append(m.rows, row.Clone())
	return len(m.rows) - 1, nil
}

func (m *Memory) AppendMany(rows []Row) ([]int, error) {
	ids := make([]int, len(rows))
	for i, row := range rows {
		id, err := m.Append(row)
		if err != nil {
			return ids[:i], err
		}
		ids[i] = id
	}
	return ids, nil
}

func (m *Memory) Rewrite(it RowIterator) error {
	var fresh []Row
	for {
		_, row, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		fresh = append(fresh, row)
	}
	m.rows = fresh
	return nil
}

func (m *Memory) Length() int { return len(m.rows) }

type memoryIterator struct {
	rows []Row
	idx  int
}

func (it *memoryIterator) Next() (int, Row, error) {
	if it.idx >= len(it.rows) {
		return 0, nil, io.EOF
	}
	id := it.idx
	row := it.rows[id]
	it.idx++
	return id, row, nil
}
