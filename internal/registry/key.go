package registry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Key is the canonical, comparable encoding of a primary-key tuple. Values
// that are equal after normalization encode identically, so int from a
// GraphQL argument and int64 from a SQL scan produce the same Key.
type Key string

const keySeparator = "\x1f"

// MakeKey encodes a key tuple.
func MakeKey(values []any) Key {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = encodeKeyValue(value)
	}
	return Key(strings.Join(parts, keySeparator))
}

func encodeKeyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "n:"
	case int:
		return "i:" + strconv.FormatInt(int64(v), 10)
	case int8:
		return "i:" + strconv.FormatInt(int64(v), 10)
	case int16:
		return "i:" + strconv.FormatInt(int64(v), 10)
	case int32:
		return "i:" + strconv.FormatInt(int64(v), 10)
	case int64:
		return "i:" + strconv.FormatInt(v, 10)
	case uint:
		return "i:" + strconv.FormatUint(uint64(v), 10)
	case uint8:
		return "i:" + strconv.FormatUint(uint64(v), 10)
	case uint16:
		return "i:" + strconv.FormatUint(uint64(v), 10)
	case uint32:
		return "i:" + strconv.FormatUint(uint64(v), 10)
	case uint64:
		return "i:" + strconv.FormatUint(v, 10)
	case float32:
		return encodeFloat(float64(v))
	case float64:
		return encodeFloat(v)
	case bool:
		return "b:" + strconv.FormatBool(v)
	case string:
		return "s:" + v
	case []byte:
		return "s:" + string(v)
	case time.Time:
		return "s:" + v.UTC().Format(time.RFC3339Nano)
	default:
		return "s:" + fmt.Sprint(v)
	}
}

// encodeFloat folds integral floats into the integer encoding so JSON numbers
// decoded as float64 still match integer keys.
func encodeFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
		return "i:" + strconv.FormatInt(int64(v), 10)
	}
	return "f:" + strconv.FormatFloat(v, 'g', -1, 64)
}
