package storage

import (
	"encoding/csv"
	"io"
	"os"

	"go.spiff.io/tinyflux/storage/internal/atomicfile"
)

// File is the default Backend: rows held as lines in a CSV text file. Quoting follows standard CSV rules
// (encoding/csv); line terminators are canonical '\n' with no universal-newline translation, on read or write.
type File struct {
	path   string
	length int
}

var _ Backend = (*File)(nil)
var _ Closer = (*File)(nil)

// OpenFile opens (creating if necessary) the CSV file at path as a Backend. It counts existing rows once, up
// front, so Length is O(1) afterward.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := newCSVReader(f)
	n := 0
	for {
		if _, err := r.Read(); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		n++
	}

	return &File{path: path, length: n}, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	return cr
}

func newCSVWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.UseCRLF = false
	return cw
}

func (f *File) ReadAll() (RowIterator, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	return &fileIterator{file: file, r: newCSVReader(file)}, nil
}

func (f *File) Append(row Row) (int, error) {
	ids, err := f.AppendMany([]Row{row})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (f *File) AppendMany(rows []Row) ([]int, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	w := newCSVWriter(file)
	ids := make([]int, len(rows))
	for i, row := range rows {
		if err := w.Write([]string(row)); err != nil {
			return nil, err
		}
		ids[i] = f.length + i
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	f.length += len(rows)
	return ids, nil
}

func (f *File) Rewrite(it RowIterator) error {
	n := 0
	err := atomicfile.Write(f.path, func(tmp *os.File) error {
		w := newCSVWriter(tmp)
		for {
			_, row, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := w.Write([]string(row)); err != nil {
				return err
			}
			n++
		}
		w.Flush()
		return w.Error()
	})
	if err != nil {
		return err
	}
	f.length = n
	return nil
}

func (f *File) Length() int { return f.length }

// Close is a no-op: File never keeps a handle open between operations. It exists to satisfy Closer.
func (f *File) Close() error { return nil }

type fileIterator struct {
	file *os.File
	r    *csv.Reader
	id   int
}

func (it *fileIterator) Next() (int, Row, error) {
	record, err := it.r.Read()
	if err == io.EOF {
		it.file.Close()
		return 0, nil, io.EOF
	}
	if err != nil {
		it.file.Close()
		return 0, nil, err
	}
	id := it.id
	it.id++
	return id, Row(record), nil
}
