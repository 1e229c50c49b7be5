package row

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Row is a positional tuple aligned with a Meta.
type Row []any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row { return append(Row(nil), r...) }

// AsInteger converts an integer-typed cell to int64. It returns false for nulls
// and for values that cannot be represented as an integer.
func AsInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Text renders a cell as a string; nulls render as "".
func Text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case time.Time:
		return s.Format(time.RFC3339Nano)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(s)
	}
}

// Coerce converts a raw string into a cell of the given type. Empty input
// yields a null.
func Coerce(t ValueType, s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	switch t {
	case Integer:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row: coerce %q to integer: %w", s, err)
		}
		return i, nil
	case Number:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("row: coerce %q to number: %w", s, err)
		}
		return f, nil
	case Boolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("row: coerce %q to boolean: %w", s, err)
		}
		return b, nil
	case Date:
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			if ts, err = time.Parse("2006-01-02", s); err != nil {
				return nil, fmt.Errorf("row: coerce %q to date: %w", s, err)
			}
		}
		return ts, nil
	case Binary:
		return []byte(s), nil
	default:
		return s, nil
	}
}
