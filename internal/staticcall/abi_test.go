package staticcall

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/predcache/internal/ir"
)

var testTarget = MustParseAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")

func sequentialID() ir.PredicateID {
	var id ir.PredicateID
	for i := range id {
		id[i] = byte(i + 1)
	}
	return id
}

func TestSelector(t *testing.T) {
	tests := []struct {
		signature string
		want      string
	}{
		{"transfer(address,uint256)", "a9059cbb"},
		{EntrySignature, "bf15fcd8"},
		{ReadSignature, "b4b26c0f"},
	}
	for _, tt := range tests {
		t.Run(tt.signature, func(t *testing.T) {
			sel := Selector(tt.signature)
			assert.Equal(t, tt.want, hex.EncodeToString(sel[:]))
		})
	}
}

func TestEncodeReadCall(t *testing.T) {
	inner := EncodeReadCall(sequentialID())
	require.Len(t, inner, 36)
	assert.Equal(t, "b4b26c0f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20", hex.EncodeToString(inner))

	id, err := DecodeReadCall(inner)
	require.NoError(t, err)
	assert.Equal(t, sequentialID(), id)
}

func TestEncodeStaticCall_Exact(t *testing.T) {
	got := EncodeStaticCall(testTarget, EncodeReadCall(sequentialID()))

	want := "bf15fcd8" +
		"0000000000000000000000001111111254eeb25477b68fb85ed929f73a960582" +
		"0000000000000000000000000000000000000000000000000000000000000040" +
		"0000000000000000000000000000000000000000000000000000000000000024" +
		"b4b26c0f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c" +
		"1d1e1f2000000000000000000000000000000000000000000000000000000000"
	assert.Equal(t, want, hex.EncodeToString(got))
	assert.Len(t, got, 4+5*WordSize)
}

func TestEncodeStaticCall_StripsExactlyOneWord(t *testing.T) {
	inner := EncodeReadCall(sequentialID())
	tuple := encodeTuple(testTarget, inner)
	got := EncodeStaticCall(testTarget, inner)

	// The stripped word is the tuple offset 0x20.
	assert.Equal(t, EncodeUint256(WordSize), [WordSize]byte(tuple[:WordSize]))
	assert.Equal(t, len(tuple)-WordSize, len(got)-4)
	assert.Equal(t, tuple[WordSize:], got[4:])
}

func TestEncodeStaticCall_Golden(t *testing.T) {
	padded, err := ir.ParsePredicateID("0x2a")
	require.NoError(t, err)

	tests := []struct {
		name  string
		inner []byte
	}{
		{"static_call_sequential_id", EncodeReadCall(sequentialID())},
		{"static_call_padded_id", EncodeReadCall(padded)},
		{"static_call_empty_inner", nil},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.Assert(t, tt.name, []byte(formatCalldata(EncodeStaticCall(testTarget, tt.inner))))
		})
	}
}

func TestDecodeStaticCall_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var target Address
		copy(target[:], rapid.SliceOfN(rapid.Byte(), AddressLength, AddressLength).Draw(t, "target"))
		inner := rapid.SliceOfN(rapid.Byte(), 0, 200).Draw(t, "inner")

		gotTarget, gotInner, err := DecodeStaticCall(EncodeStaticCall(target, inner))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if gotTarget != target {
			t.Fatalf("target %s, want %s", gotTarget, target)
		}
		if hex.EncodeToString(gotInner) != hex.EncodeToString(inner) {
			t.Fatalf("inner %x, want %x", gotInner, inner)
		}
	})
}

func TestDecodeStaticCall_Rejects(t *testing.T) {
	valid := EncodeStaticCall(testTarget, EncodeReadCall(sequentialID()))
	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}

	tests := []struct {
		name     string
		calldata []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-1]},
		{"wrong selector", mutate(func(b []byte) []byte { b[0] ^= 0xff; return b })},
		{"dirty address padding", mutate(func(b []byte) []byte { b[4] = 1; return b })},
		{"offset not stripped", append(append([]byte(nil), EntrySelector[:]...), encodeTuple(testTarget, EncodeReadCall(sequentialID()))...)},
		{"wrong offset", mutate(func(b []byte) []byte { b[4+2*WordSize-1] = 0x60; return b })},
		{"length too long", mutate(func(b []byte) []byte { b[4+3*WordSize-1] = 0x41; return b })},
		{"dirty data padding", mutate(func(b []byte) []byte { b[len(b)-1] = 1; return b })},
		{"trailing word", append(append([]byte(nil), valid...), make([]byte, WordSize)...)},
		{"two-byte strip", append(append([]byte(nil), EntrySelector[:]...), encodeTuple(testTarget, EncodeReadCall(sequentialID()))[2:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeStaticCall(tt.calldata)
			assert.ErrorIs(t, err, ErrMalformedCalldata)
		})
	}
}

func TestDecodeReadCall_Rejects(t *testing.T) {
	inner := EncodeReadCall(sequentialID())

	_, err := DecodeReadCall(inner[:35])
	assert.ErrorIs(t, err, ErrMalformedCalldata)

	other := Selector("checkPredicate(uint256)")
	bad := append(other[:], inner[4:]...)
	_, err = DecodeReadCall(bad)
	assert.ErrorIs(t, err, ErrMalformedCalldata)
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("1111111254eeb25477b68fb85ed929f73a960582")
	require.NoError(t, err)
	assert.Equal(t, testTarget, a)
	assert.Equal(t, "0x1111111254eeb25477b68fb85ed929f73a960582", a.String())

	for _, bad := range []string{"", "0x1234", "0x" + strings.Repeat("zz", 20)} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}

	var b Address
	require.NoError(t, b.UnmarshalText([]byte(a.String())))
	assert.Equal(t, a, b)
}

// formatCalldata renders calldata as the selector followed by one word per line.
func formatCalldata(data []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "selector 0x%x\n", data[:4])
	for off := 4; off < len(data); off += WordSize {
		end := min(off+WordSize, len(data))
		fmt.Fprintf(&b, "0x%03x %x\n", off-4, data[off:end])
	}
	return b.String()
}
