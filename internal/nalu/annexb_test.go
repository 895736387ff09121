package nalu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMixedStartCodes(t *testing.T) {
	var b []byte
	b = append(b, 0x00, 0x00, 0x00, 0x01, 0x67, 0xAA) // SPS, 4-byte start code
	b = append(b, 0x00, 0x00, 0x01, 0x68, 0xBB)       // PPS, 3-byte start code
	b = append(b, 0x00, 0x00, 0x00, 0x01, 0x65, 0xCC) // IDR slice

	units := Split(b)
	require.Len(t, units, 3)
	assert.Equal(t, TypeSPS, Type(units[0]))
	assert.Equal(t, TypePPS, Type(units[1]))
	assert.Equal(t, TypeIDR, Type(units[2]))
	assert.True(t, HasKeyframe(units))
}

func TestSplitNoStartCode(t *testing.T) {
	assert.Nil(t, Split([]byte{0x01, 0x02, 0x03}))
}

func TestTypeEmpty(t *testing.T) {
	assert.Equal(t, uint8(0), Type(nil))
}

func TestWithLongStartCodeRoundTrips(t *testing.T) {
	body := []byte{0x65, 0x01, 0x02}
	framed := WithLongStartCode(body)
	assert.True(t, HasLongStartCode(framed))

	units := Split(framed)
	require.Len(t, units, 1)
	assert.Equal(t, body, units[0])
}
