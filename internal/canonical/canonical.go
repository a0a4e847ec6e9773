// Package canonical produces the deterministic byte encoding that license
// signatures are computed over.
//
// The encoding is JSON with these rules, so that any platform can rebuild
// the exact bytes:
//
//	- object keys sorted by UTF-8 byte order (equal to code point order)
//	- no whitespace; "," between members and elements, ":" after keys
//	- strings ASCII-only: \" \\ \b \f \n \r \t, everything else outside
//	  0x20..0x7e as \uXXXX (lowercase hex), astral runes as surrogate pairs
//	- numbers are signed 64-bit integers in minimal decimal form; any
//	  non-integral number is rejected
//	- arrays keep their order
//
// The output is byte-identical to Python's
// json.dumps(obj, sort_keys=True, separators=(",", ":")) for the same
// integer-only document.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	// ErrNonIntegerNumber is returned for fractional, exponent or out-of-range numbers.
	ErrNonIntegerNumber = errors.New("canonical: non-integer number")
	// ErrUnsupportedValue is returned for values with no JSON representation.
	ErrUnsupportedValue = errors.New("canonical: unsupported value")
)

const hexDigits = "0123456789abcdef"

// Marshal returns the canonical encoding of v. Structs and typed values are
// first reduced to their generic JSON form through encoding/json.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToMap converts a struct to the generic object form the encoder signs,
// preserving integers exactly.
func ToMap(v any) (map[string]any, error) {
	generic, err := normalize(v)
	if err != nil {
		return nil, err
	}
	m, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an object", ErrUnsupportedValue, v)
	}
	return m, nil
}

// Decode parses JSON into the generic form with integers kept as json.Number.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return Decode(raw)
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, val)
	case json.Number:
		n, err := strconv.ParseInt(val.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNonIntegerNumber, val)
		}
		buf.WriteString(strconv.FormatInt(n, 10))
	case float64:
		return writeFloat(buf, val)
	case float32:
		return writeFloat(buf, float64(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		generic, err := normalize(val)
		if err != nil {
			return err
		}
		return writeValue(buf, generic)
	}
	return nil
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) ||
		f < math.MinInt64 || f >= math.MaxInt64 {
		return fmt.Errorf("%w: %v", ErrNonIntegerNumber, f)
	}
	buf.WriteString(strconv.FormatInt(int64(f), 10))
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r >= 0x20 && r <= 0x7e:
			buf.WriteByte(byte(r))
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			writeU(buf, hi)
			writeU(buf, lo)
		default:
			// invalid UTF-8 decodes to utf8.RuneError (U+FFFD)
			writeU(buf, r)
		}
	}
	buf.WriteByte('"')
}

func writeU(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}
