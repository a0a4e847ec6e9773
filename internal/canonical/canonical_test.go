package canonical

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "sorted nested with escapes",
			in: map[string]any{
				"b": 1,
				"a": []any{true, nil, "é😀"},
				"Z": map[string]any{"y": "tab\there", "x": `q"\/`},
			},
			want: `{"Z":{"x":"q\"\\/","y":"tab\there"},"a":[true,null,"\u00e9\ud83d\ude00"],"b":1}`,
		},
		{
			name: "control chars and non-ascii keys",
			in:   map[string]any{"ctl": "\x01\x7f<>&", "é": 1, "e": 2, "~": 3},
			want: `{"ctl":"\u0001\u007f<>&","e":2,"~":3,"\u00e9":1}`,
		},
		{
			name: "empty containers",
			in:   map[string]any{"a": []any{}, "b": map[string]any{}},
			want: `{"a":[],"b":{}}`,
		},
		{
			name: "integral floats and numbers",
			in:   map[string]any{"f": float64(3), "n": json.Number("-0"), "i": int64(-42)},
			want: `{"f":3,"i":-42,"n":0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshal_OrderIndependent(t *testing.T) {
	a := []byte(`{"email":"a@b.c","project":"X","activations":[{"device_id":"D1","status":"active"}],"max_activations":2}`)
	b := []byte(`{"max_activations":2,"activations":[{"status":"active","device_id":"D1"}],"project":"X","email":"a@b.c"}`)

	va, err := Decode(a)
	require.NoError(t, err)
	vb, err := Decode(b)
	require.NoError(t, err)

	ea, err := Marshal(va)
	require.NoError(t, err)
	eb, err := Marshal(vb)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestMarshal_RejectsNonIntegers(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"fraction", map[string]any{"x": 1.5}},
		{"json number fraction", map[string]any{"x": json.Number("2.0")}},
		{"exponent", map[string]any{"x": json.Number("1e3")}},
		{"nan", []any{math.NaN()}},
		{"too large", []any{float64(1 << 63)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(tt.in)
			assert.ErrorIs(t, err, ErrNonIntegerNumber)
		})
	}
}

type sample struct {
	Key       string    `json:"key"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags"`
}

func TestMarshal_Struct(t *testing.T) {
	s := sample{
		Key:       "P-0001-0002",
		Count:     7,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Tags:      []string{"b", "a"},
	}

	got, err := Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `{"count":7,"created_at":"2026-01-02T03:04:05Z","key":"P-0001-0002","tags":["b","a"]}`, string(got))

	m, err := ToMap(s)
	require.NoError(t, err)
	fromMap, err := Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, got, fromMap)
}

func TestMarshal_LargeIntegerPreservedThroughDecode(t *testing.T) {
	v, err := Decode([]byte(`{"n":9007199254740993}`))
	require.NoError(t, err)

	got, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(got))
}

func TestMarshal_Unsupported(t *testing.T) {
	_, err := Marshal(map[string]any{"ch": make(chan int)})
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	_, err = ToMap([]int{1})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestMarshal_Deterministic(t *testing.T) {
	in := map[string]any{}
	for _, k := range []string{"k9", "k1", "k5", "k3", "k7", "k2"} {
		in[k] = k
	}
	first, err := Marshal(in)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
