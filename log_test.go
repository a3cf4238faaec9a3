package tinyflux

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.spiff.io/tinyflux/storage"
)

// prepareLogger redirects Log's output to buf, formatted as one JSON object per line, for the duration of a test,
// returning a restore function. Callers must install it before constructing anything that captures Log's current
// value (Open, NewIndex), since both copy the package-level logger pointer at construction time rather than
// reading it afresh on every log call.
func prepareLogger(buf *bytes.Buffer) func() {
	temp := Log
	l := logrus.New()
	l.SetOutput(buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.JSONFormatter{})
	Log = l
	return func() {
		Log = temp
	}
}

// logEntries parses buf's contents into one field map per logged line.
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func findEntry(entries []map[string]interface{}, substr string) (map[string]interface{}, bool) {
	for _, e := range entries {
		if msg, ok := e["msg"].(string); ok && strings.Contains(msg, substr) {
			return e, true
		}
	}
	return nil, false
}

func TestIndex_Insert_OutOfOrder_LogsInvalidation(t *testing.T) {
	buf := new(bytes.Buffer)
	defer prepareLogger(buf)()

	idx := NewIndex()
	idx.Insert(0, mustPoint(t, WithTime(testTime)))
	idx.Insert(1, mustPoint(t, WithTime(testTime.Add(-time.Minute))))

	entry, ok := findEntry(logEntries(t, buf), "invalidated by out-of-order insert")
	require.True(t, ok, "expected an invalidation log entry")
	assert.Equal(t, "debug", entry["level"])
	assert.EqualValues(t, 1, entry["row"])
}

func TestIndex_Rebuild_LogsRowCountAndDuration(t *testing.T) {
	buf := new(bytes.Buffer)
	defer prepareLogger(buf)()

	backend := storage.NewMemory()
	for i := 0; i < 3; i++ {
		row, err := encodeRow(mustPoint(t, WithTime(testTime.Add(time.Duration(i)*time.Minute))), false)
		require.NoError(t, err)
		_, err = backend.Append(row)
		require.NoError(t, err)
	}

	idx := NewIndex()
	require.NoError(t, idx.Rebuild(backend))

	entry, ok := findEntry(logEntries(t, buf), "index rebuilt")
	require.True(t, ok, "expected a rebuild log entry")
	assert.Equal(t, "debug", entry["level"])
	assert.EqualValues(t, 3, entry["rows"])
	assert.Contains(t, entry, "duration")
}

func TestEngine_AutoIndex_Search_LogsReindexOnInvalidatedRead(t *testing.T) {
	buf := new(bytes.Buffer)
	defer prepareLogger(buf)()

	e := openTestEngine(t)
	defer withClock(testTime)()

	require.NoError(t, e.Insert(mustPoint(t, WithTime(testTime))))
	require.NoError(t, e.Insert(mustPoint(t, WithTime(testTime.Add(-time.Minute)))))
	require.False(t, e.idx.IsValid())

	buf.Reset()
	_, err := e.Search(nil, false)
	require.NoError(t, err)

	entry, ok := findEntry(logEntries(t, buf), "index rebuilt")
	require.True(t, ok, "expected Search to trigger a logged rebuild")
	assert.EqualValues(t, 2, entry["rows"])
	assert.True(t, e.idx.IsValid())
}

// failingBackend wraps a storage.Backend and forces chosen operations to fail, to exercise the engine's
// storage-error logging path without needing a real I/O failure.
type failingBackend struct {
	storage.Backend
	failAppend  bool
	failReadAll bool
}

var errBackendBoom = errors.New("backend boom")

func (f *failingBackend) Append(row storage.Row) (int, error) {
	if f.failAppend {
		return 0, errBackendBoom
	}
	return f.Backend.Append(row)
}

func (f *failingBackend) ReadAll() (storage.RowIterator, error) {
	if f.failReadAll {
		return nil, errBackendBoom
	}
	return f.Backend.ReadAll()
}

func TestEngine_Insert_StorageError_LogsAtErrorLevel(t *testing.T) {
	buf := new(bytes.Buffer)
	defer prepareLogger(buf)()

	backend := &failingBackend{Backend: storage.NewMemory(), failAppend: true}
	e, err := Open(WithBackend(backend))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	defer withClock(testTime)()

	buf.Reset()
	err = e.Insert(mustPoint(t, WithTime(testTime)))
	require.Error(t, err)

	entry, ok := findEntry(logEntries(t, buf), "append point")
	require.True(t, ok, "expected a storage-error log entry")
	assert.Equal(t, "error", entry["level"])
}

func TestEngine_Search_StorageError_LogsAtErrorLevel(t *testing.T) {
	buf := new(bytes.Buffer)
	defer prepareLogger(buf)()

	backend := &failingBackend{Backend: storage.NewMemory()}
	e, err := Open(WithBackend(backend))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	backend.failReadAll = true
	buf.Reset()
	_, err = e.Search(nil, false)
	require.Error(t, err)

	entry, ok := findEntry(logEntries(t, buf), "read backend")
	require.True(t, ok, "expected a storage-error log entry")
	assert.Equal(t, "error", entry["level"])
}
