// Package filetype decides whether file contents can travel through the
// text-oriented collaboration channel, and transcodes the contents that
// can't.
package filetype

import (
	"encoding/base64"
	"strings"
)

// BinarySuffix is appended to the name of a collaboration-tree file whose
// true content is binary. The file's text content is the base64 encoding of
// the real bytes.
const BinarySuffix = ".b64"

// Encode transcodes binary content for the text channel.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode reverses Encode.
func Decode(text string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(text)
}

// HasBinarySuffix reports whether name carries the base64 side-channel
// suffix.
func HasBinarySuffix(name string) bool {
	return strings.HasSuffix(name, BinarySuffix)
}

// TrimBinarySuffix strips the side-channel suffix, returning the logical
// file name.
func TrimBinarySuffix(name string) string {
	return strings.TrimSuffix(name, BinarySuffix)
}

const (
	endingUnknown = iota
	endingLF
	endingCRLF
)

// IsBinary heuristically classifies a buffer as binary. A buffer is binary
// if it contains a NUL byte, a bare carriage return, line endings that are
// mixed across the buffer, or byte sequences that aren't minimal well-formed
// UTF-8.
func IsBinary(data []byte) bool {
	ending := endingUnknown

	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b == 0x00:
			return true

		case b == '\r':
			if i+1 >= len(data) || data[i+1] != '\n' {
				return true
			}
			if ending == endingLF {
				return true
			}
			ending = endingCRLF
			i += 2

		case b == '\n':
			if ending == endingCRLF {
				return true
			}
			ending = endingLF
			i++

		case b < 0x80:
			i++

		case b&0xE0 == 0xC0:
			// Two-byte sequence. A zero payload in the lead byte means the
			// value fits in one byte, so the encoding is overlong.
			if b&0x1E == 0 {
				return true
			}
			if !isContinuation(data, i+1, 1) {
				return true
			}
			i += 2

		case b&0xF0 == 0xE0:
			if !isContinuation(data, i+1, 2) {
				return true
			}
			// 0xE0 with a continuation below 0xA0 encodes a value that fits
			// in two bytes.
			if b == 0xE0 && data[i+1] < 0xA0 {
				return true
			}
			i += 3

		case b&0xF8 == 0xF0:
			if !isContinuation(data, i+1, 3) {
				return true
			}
			// 0xF0 with a continuation below 0x90 encodes a value that fits
			// in three bytes.
			if b == 0xF0 && data[i+1] < 0x90 {
				return true
			}
			i += 4

		default:
			// A stray continuation byte, or a lead byte for a sequence
			// longer than UTF-8 allows.
			return true
		}
	}
	return false
}

func isContinuation(data []byte, start, count int) bool {
	if start+count > len(data) {
		return false
	}
	for i := start; i < start+count; i++ {
		if data[i]&0xC0 != 0x80 {
			return false
		}
	}
	return true
}
