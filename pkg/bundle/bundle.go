// Package bundle implements the binary wire format used to store whole
// project trees as single blobs.
//
// A bundle is a sequence of entries with no separators between them. Each
// entry is the path bytes, a NUL terminator, a little-endian int32 content
// length, and the content bytes. A length of -1 marks a directory and
// carries no content.
package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tandem-dev/tandem/pkg/errors"
)

// dirMarker is the length value that flags a directory entry.
const dirMarker = -1

// File is a single entry in a bundle. Paths are slash-separated and start
// with a slash. A directory entry has Dir set and no contents.
type File struct {
	Path     string
	Dir      bool
	Contents []byte
}

// Marshal serializes the entries into one blob.
//
// Path characters are written as raw character codes, one byte each, so
// every character must fit in a byte and must not be NUL. Paths that don't
// satisfy that are configuration errors.
func Marshal(files []File) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range files {
		pathBytes, err := pathToBytes(f.Path)
		if err != nil {
			return nil, err
		}

		buf.Write(pathBytes)
		buf.WriteByte(0x00)

		length := dirMarker
		if !f.Dir {
			length = len(f.Contents)
		}
		var lengthBytes [4]byte
		binary.LittleEndian.PutUint32(lengthBytes[:], uint32(int32(length)))
		buf.Write(lengthBytes[:])

		if !f.Dir {
			buf.Write(f.Contents)
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a blob back into its entries, preserving order. A
// truncated final entry is an error.
func Unmarshal(data []byte) ([]File, error) {
	var files []File
	for len(data) > 0 {
		sep := bytes.IndexByte(data, 0x00)
		if sep < 0 {
			return nil, errors.New("bundle: truncated entry path")
		}
		path := bytesToPath(data[:sep])
		data = data[sep+1:]

		if len(data) < 4 {
			return nil, errors.New("bundle: truncated entry length")
		}
		length := int32(binary.LittleEndian.Uint32(data[:4]))
		data = data[4:]

		if length == dirMarker {
			files = append(files, File{Path: path, Dir: true})
			continue
		}
		if length < 0 || int(length) > len(data) {
			return nil, errors.New(fmt.Sprintf(
				"bundle: entry %q claims %d content bytes, %d remain",
				path, length, len(data)))
		}

		contents := make([]byte, length)
		copy(contents, data[:length])
		data = data[length:]
		files = append(files, File{Path: path, Contents: contents})
	}
	return files, nil
}

func pathToBytes(path string) ([]byte, error) {
	out := make([]byte, 0, len(path))
	for _, r := range path {
		if r == 0x00 {
			return nil, errors.NewFriendlyError(
				"path %q contains a NUL character", path)
		}
		if r > 0xFF {
			return nil, errors.NewFriendlyError(
				"path %q contains characters outside Latin-1", path)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

func bytesToPath(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}
