package tinyflux

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.spiff.io/tinyflux/storage"
)

// Two key-prefix conventions are supported on disk. Writers choose one per insert via the engine's compact-keys
// option; readers accept either.
const (
	fullTagPrefix   = "__tag__"
	fullFieldPrefix = "__field__"

	compactTagPrefix   = "t_"
	compactFieldPrefix = "f_"
)

// timeLayout is ISO-8601, UTC, microsecond precision.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTimestamp(t time.Time, stamped bool) string {
	if !stamped {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTimestamp(s string) (t time.Time, stamped bool, err error) {
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), true, nil
}

// encodeFieldValue renders a normalized field value as a self-describing token: integers keep a trailing 'i',
// floats always keep a decimal point, booleans are literal True/False, and strings are wrapped in their own
// literal quote characters. This lets decodeFieldValue recover the exact declared kind without relying on the
// CSV layer's quoting (encoding/csv does not expose whether a field was quoted on read).
func encodeFieldValue(v interface{}) (string, error) {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10) + "i", nil
	case float64:
		s := strconv.FormatFloat(n, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s, nil
	case bool:
		if n {
			return "True", nil
		}
		return "False", nil
	case string:
		return `"` + strings.ReplaceAll(n, `"`, `\"`) + `"`, nil
	default:
		return "", fmt.Errorf("%w: unsupported field value type %T", ErrInvalidPoint, v)
	}
}

func decodeFieldValue(s string) interface{} {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
	}
	switch s {
	case "True":
		return true
	case "False":
		return false
	}
	if strings.HasSuffix(s, "i") {
		if n, err := strconv.ParseInt(s[:len(s)-1], 10, 64); err == nil {
			return n
		}
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	// Lenient fallback: a value that matched none of the above patterns is kept as a string.
	return s
}

func classifyKey(key string) (kind byte, name string) {
	switch {
	case strings.HasPrefix(key, fullTagPrefix):
		return 't', key[len(fullTagPrefix):]
	case strings.HasPrefix(key, compactTagPrefix):
		return 't', key[len(compactTagPrefix):]
	case strings.HasPrefix(key, fullFieldPrefix):
		return 'f', key[len(fullFieldPrefix):]
	case strings.HasPrefix(key, compactFieldPrefix):
		return 'f', key[len(compactFieldPrefix):]
	default:
		return 0, ""
	}
}

// encodeRow renders p as a storage.Row: timestamp, measurement, then tags and fields each sorted by key name and
// interleaved as (prefixed-key, value) pairs. compact selects which of the two prefix conventions is written;
// decodeRow accepts both regardless of which was used to write a given row.
func encodeRow(p *Point, compact bool) (storage.Row, error) {
	tagPrefix, fieldPrefix := fullTagPrefix, fullFieldPrefix
	if compact {
		tagPrefix, fieldPrefix = compactTagPrefix, compactFieldPrefix
	}

	row := make(storage.Row, 0, 2+2*(len(p.tags)+len(p.fields)))
	row = append(row, formatTimestamp(p.time, p.stamped), p.measurement)

	for _, name := range sortedKeys(p.tags) {
		row = append(row, tagPrefix+name, p.tags[name])
	}

	for _, name := range sortedFieldKeys(p.fields) {
		enc, err := encodeFieldValue(p.fields[name])
		if err != nil {
			return nil, err
		}
		row = append(row, fieldPrefix+name, enc)
	}

	return row, nil
}

// decodeRowHook, when non-nil, is invoked after every successful decodeRow call. It exists purely so tests can
// count how many rows a given read path actually materializes (e.g. to confirm the index fast path in engine.go's
// readCandidates skips decoding rows outside the candidate set); it is never set outside tests. Mirrors the
// package-level clock seam in time.go.
var decodeRowHook func()

// decodeRow is encodeRow's exact inverse on the closed set of types Point allows, for rows written with either
// prefix convention.
func decodeRow(row storage.Row) (*Point, error) {
	if len(row) < 2 {
		return nil, fmt.Errorf("tinyflux: malformed row: want at least 2 columns, got %d", len(row))
	}

	t, stamped, err := parseTimestamp(row[0])
	if err != nil {
		return nil, fmt.Errorf("tinyflux: malformed timestamp %q: %w", row[0], err)
	}

	p := &Point{
		stamped:     stamped,
		time:        t,
		measurement: row[1],
	}

	if (len(row)-2)%2 != 0 {
		return nil, fmt.Errorf("tinyflux: malformed row: dangling key/value column")
	}

	for i := 2; i+1 < len(row); i += 2 {
		kind, name := classifyKey(row[i])
		switch kind {
		case 't':
			if p.tags == nil {
				p.tags = make(Tags)
			}
			p.tags[name] = row[i+1]
		case 'f':
			if p.fields == nil {
				p.fields = make(Fields)
			}
			p.fields[name] = decodeFieldValue(row[i+1])
		default:
			return nil, fmt.Errorf("tinyflux: malformed row: unrecognized key prefix %q", row[i])
		}
	}

	if decodeRowHook != nil {
		decodeRowHook()
	}
	return p, nil
}
