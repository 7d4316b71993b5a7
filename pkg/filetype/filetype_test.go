package filetype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBinary(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		exp  bool
	}{
		{
			name: "PlainASCII",
			data: []byte("package main\n\nfunc main() {}\n"),
			exp:  false,
		},
		{
			name: "Empty",
			data: []byte{},
			exp:  false,
		},
		{
			name: "NULByte",
			data: []byte{0x00},
			exp:  true,
		},
		{
			name: "UniformCRLF",
			data: []byte("one\r\ntwo\r\n"),
			exp:  false,
		},
		{
			name: "MixedLineEndings",
			data: []byte("one\ntwo\r\n"),
			exp:  true,
		},
		{
			name: "MixedLineEndingsCRLFFirst",
			data: []byte("one\r\ntwo\n"),
			exp:  true,
		},
		{
			name: "BareCarriageReturn",
			data: []byte("one\rtwo"),
			exp:  true,
		},
		{
			name: "TrailingCarriageReturn",
			data: []byte("one\r"),
			exp:  true,
		},
		{
			name: "ValidTwoByteUTF8",
			data: []byte("café"),
			exp:  false,
		},
		{
			name: "ValidThreeByteUTF8",
			data: []byte{0xE2, 0x82, 0xAC}, // euro sign
			exp:  false,
		},
		{
			name: "ValidFourByteUTF8",
			data: []byte{0xF0, 0x9F, 0x98, 0x80},
			exp:  false,
		},
		{
			name: "TruncatedSequence",
			data: []byte{0xE2, 0x82},
			exp:  true,
		},
		{
			name: "MalformedContinuation",
			data: []byte{0xC3, 0x28},
			exp:  true,
		},
		{
			name: "StrayContinuation",
			data: []byte{0x80},
			exp:  true,
		},
		{
			name: "OverlongTwoByte",
			data: []byte{0xC0, 0xAF},
			exp:  true,
		},
		{
			name: "OverlongThreeByte",
			data: []byte{0xE0, 0x82, 0xAC}, // fits in two bytes
			exp:  true,
		},
		{
			name: "OverlongFourByte",
			data: []byte{0xF0, 0x82, 0x82, 0xAC},
			exp:  true,
		},
		{
			name: "PNGHeader",
			data: []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
			exp:  true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, IsBinary(test.data))
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0x00, 0xFF, 0xC0, 0x80, 0x7F},
		[]byte("plain text survives too"),
	}
	for _, payload := range payloads {
		decoded, err := Decode(Encode(payload))
		assert.NoError(t, err)
		assert.Equal(t, payload, decoded)
	}
}

func TestBinarySuffix(t *testing.T) {
	assert.True(t, HasBinarySuffix("/img/logo.png"+BinarySuffix))
	assert.False(t, HasBinarySuffix("/img/logo.png"))
	assert.Equal(t, "/img/logo.png", TrimBinarySuffix("/img/logo.png"+BinarySuffix))
}
