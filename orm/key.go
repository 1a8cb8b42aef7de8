package orm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Key holds primary-key or foreign-key values in key-field order.
// Composite keys carry one value per field.
type Key []any

// KeyOf builds a Key from the given values, normalising each of them.
func KeyOf(values ...any) Key {
	k := make(Key, len(values))
	for i, v := range values {
		k[i] = keyPart(v)
	}
	return k
}

// IsNull reports whether the key is empty or has a nil part. A null foreign
// key references nothing.
func (k Key) IsNull() bool {
	if len(k) == 0 {
		return true
	}
	for _, v := range k {
		if v == nil {
			return true
		}
	}
	return false
}

// Equal reports whether both keys identify the same record.
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}

// String returns the canonical identity encoding of the key.
func (k Key) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range k {
		if i > 0 {
			b.WriteByte(',')
		}
		switch v := keyPart(v).(type) {
		case nil:
			b.WriteString("null")
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case string:
			b.WriteString(strconv.Quote(v))
		case time.Time:
			b.WriteString(v.UTC().Format(time.RFC3339Nano))
		default:
			fmt.Fprintf(&b, "%T(%v)", v, v)
		}
	}
	b.WriteByte(']')
	return b.String()
}

// Normalize maps driver-specific representations of the same value onto one
// Go type so that keys read through different drivers compare equal.
func Normalize(v any) any {
	switch v := v.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return normalizeUnsigned(uint64(v))
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return normalizeUnsigned(v)
	case float32:
		return float64(v)
	case []byte:
		return string(v)
	default:
		return v
	}
}

// keyPart normalizes v for use in a key. Integral floats become int64, so a
// driver that scans integer keys as floats still yields the same identity.
// Fractional float keys are kept as float64.
func keyPart(v any) any {
	v = Normalize(v)
	if f, ok := v.(float64); ok && f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return v
}

func normalizeUnsigned(v uint64) any {
	if v <= math.MaxInt64 {
		return int64(v)
	}
	return v
}

// keyFrom extracts the values of fields from row as a Key.
func keyFrom(row Row, fields []string) Key {
	k := make(Key, len(fields))
	for i, f := range fields {
		k[i] = keyPart(row[f])
	}
	return k
}
