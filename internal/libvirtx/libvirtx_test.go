package libvirtx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUUIDMatchesCanonicalBytes(t *testing.T) {
	got := parseUUID("550e8400-e29b-41d4-a716-446655440000")
	want := [16]byte{0x55, 0x0e, 0x84, 0x00, 0xe2, 0x9b, 0x41, 0xd4, 0xa7, 0x16, 0x44, 0x66, 0x55, 0x44, 0x00, 0x00}
	require.Equal(t, want, [16]byte(got))
}

func TestParseUUIDHandlesUppercaseHex(t *testing.T) {
	got := parseUUID("550E8400-E29B-41D4-A716-446655440000")
	want := parseUUID("550e8400-e29b-41d4-a716-446655440000")
	require.Equal(t, want, got)
}

func TestHexByteDecodesNibbles(t *testing.T) {
	require.Equal(t, byte(0xAB), hexByte('a', 'b'))
	require.Equal(t, byte(0x0F), hexByte('0', 'f'))
}
