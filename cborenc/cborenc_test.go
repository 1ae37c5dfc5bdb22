package cborenc

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	vectors := []string{
		"00",                 // 0
		"17",                 // 23
		"1818",               // 24
		"18ff",               // 255
		"190100",             // 256
		"19ffff",             // 65535
		"1a00010000",         // 65536
		"1affffffff",         // 4294967295
		"20",                 // -1
		"3863",               // -100
		"390100",             // -257
		"3a7fffffff",         // -2147483648
		"40",                 // h''
		"4401020304",         // h'01020304'
		"60",                 // ""
		"6449455446",         // "IETF"
		"80",                 // []
		"83010203",           // [1, 2, 3]
		"8301820203820405",   // [1, [2, 3], [4, 5]]
		"a0",                 // {}
		"a201020304",         // {1: 2, 3: 4}
		"a26161016162820203", // {"a": 1, "b": [2, 3]}
		"a1016449455446",     // {1: "IETF"}
	}

	for _, v := range vectors {
		t.Run(v, func(t *testing.T) {
			in, err := hex.DecodeString(v)
			require.NoError(t, err)

			var decoded interface{}
			require.NoError(t, Unmarshal(in, &decoded))

			out, err := Marshal(decoded)
			require.NoError(t, err)
			require.Equal(t, v, hex.EncodeToString(out))
		})
	}
}

func TestMarshalCanonicalMapOrder(t *testing.T) {
	got, err := Marshal(map[interface{}]interface{}{
		"type": "public-key",
		"id":   []byte{0x01},
	})
	require.NoError(t, err)
	require.Equal(t, "a2626964410164747970656a7075626c69632d6b6579", hex.EncodeToString(got))
}

func TestSkipItem(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"00ff", 1},
		{"1903e8ff", 3},
		{"4401020304ff", 5},
		{"6449455446", 5},
		{"83010203a0", 4},
		{"a2616101616282020300", 9},
		{"a10181800a", 4},
	}

	for _, tt := range tests {
		in, err := hex.DecodeString(tt.in)
		require.NoError(t, err)

		n, err := SkipItem(in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, n, tt.in)
	}
}

func TestSkipItemTruncated(t *testing.T) {
	for _, v := range []string{"", "18", "5803aabb", "830102", "a20102", "7a0000"} {
		in, err := hex.DecodeString(v)
		require.NoError(t, err)

		_, err = SkipItem(in)
		require.Error(t, err, v)
	}
}

func TestUnmarshalIgnoresUnknownKeys(t *testing.T) {
	type request struct {
		A int    `cbor:"1,keyasint"`
		B string `cbor:"3,keyasint"`
	}

	// {1: 7, 2: {"x": [1, 2]}, 3: "ok"}
	in, err := hex.DecodeString("a3010702a1617882010203626f6b")
	require.NoError(t, err)

	var req request
	require.NoError(t, Unmarshal(in, &req))
	require.Equal(t, request{A: 7, B: "ok"}, req)
}

func TestUnmarshalTypeError(t *testing.T) {
	type request struct {
		A []byte `cbor:"1,keyasint"`
	}

	// {1: 5}
	in, err := hex.DecodeString("a10105")
	require.NoError(t, err)

	var req request
	err = Unmarshal(in, &req)
	require.Error(t, err)
	require.True(t, IsTypeError(err))
}

func TestUnmarshalRejectsTrailingData(t *testing.T) {
	var v interface{}
	require.Error(t, Unmarshal([]byte{0x01, 0x02}, &v))

	rest, err := UnmarshalFirst([]byte{0x01, 0x02}, &v)
	require.NoError(t, err)
	require.Equal(t, []byte{0x02}, rest)
}

func TestUnmarshalNestingLimit(t *testing.T) {
	in := make([]byte, 0, MaxNestingDepth+2)
	for i := 0; i <= MaxNestingDepth; i++ {
		in = append(in, 0x81)
	}
	in = append(in, 0x00)

	var v interface{}
	require.Error(t, Unmarshal(in, &v))
}
