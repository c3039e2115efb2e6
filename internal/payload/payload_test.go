package payload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesRoundTrip(t *testing.T) {
	p := Bytes([]byte("hello"))
	got, err := p.ToBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestZeroCopyIdentity(t *testing.T) {
	buf := []byte("shared")
	p := Bytes(buf)
	got, err := p.ToBytes()
	require.NoError(t, err)
	// Mutating through the returned slice must be visible in buf: same backing array.
	got[0] = 'S'
	require.Equal(t, byte('S'), buf[0])
}

func TestTypeMismatch(t *testing.T) {
	p := Text("abc")
	_, err := p.ToBytes()
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected Bytes variant, got Text")
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	p, err := JSON(payload{Name: "x"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, p.ToJSON(&out))
	require.Equal(t, "x", out.Name)
}

func TestNoneIsZeroValue(t *testing.T) {
	var p Payload
	require.True(t, p.IsNone())
	require.Equal(t, KindNone, p.Kind())
}

func TestF32RoundTrip(t *testing.T) {
	p := F32([]float32{1, 2, 3})
	got, err := p.ToF32Slice()
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, got)
}

func TestAnyRoundTrip(t *testing.T) {
	type marker struct{ n int }
	p := Any(marker{n: 7})
	got, err := p.ToAny()
	require.NoError(t, err)
	require.Equal(t, marker{n: 7}, got)
}
