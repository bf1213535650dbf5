package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	// CompressMarker is the 1-byte header that flags a compressed frame. It is
	// outside the range of command header bytes so receivers can distinguish
	// the two before decompressing.
	CompressMarker byte = 0xfe

	// CompressMinLength is the minimum body size for which compression is
	// attempted. Shorter messages never carry the compression marker.
	CompressMinLength = 100

	// compressHeaderSize is marker byte + uint16 original size.
	compressHeaderSize = 3
)

// MaybeCompress compresses msg as an LZ4 block and wraps it with the
// compression marker and the big-endian original size, but only when the
// result is strictly smaller than the input; otherwise msg is returned as is.
// The caller decides whether its body length warrants an attempt
// (CompressMinLength).
//
// Parameters:
//   - msg: The serialized message (header byte plus body)
//
// Returns:
//   - The possibly compressed message and whether the marker was applied
func MaybeCompress(msg []byte) ([]byte, bool) {
	if len(msg) > 0xffff {
		// The original-size field is 16 bits; oversized messages go out raw.
		return msg, false
	}

	dst := make([]byte, lz4.CompressBlockBound(len(msg)))
	var c lz4.Compressor
	n, err := c.CompressBlock(msg, dst)
	if err != nil || n == 0 || n+compressHeaderSize >= len(msg) {
		return msg, false
	}

	out := make([]byte, 0, compressHeaderSize+n)
	out = append(out, CompressMarker)
	out = binary.BigEndian.AppendUint16(out, uint16(len(msg)))
	return append(out, dst[:n]...), true
}

// Uncompress reverses MaybeCompress for a message that carries the
// compression marker. The input must begin with the marker byte.
//
// Parameters:
//   - msg: Marker byte, original size, and LZ4 block
//
// Returns:
//   - The original serialized message, or an error on a malformed block
func Uncompress(msg []byte) ([]byte, error) {
	if len(msg) < compressHeaderSize || msg[0] != CompressMarker {
		return nil, fmt.Errorf("wire: not a compressed message")
	}

	size := binary.BigEndian.Uint16(msg[1:3])
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(msg[compressHeaderSize:], out)
	if err != nil {
		return nil, fmt.Errorf("wire: lz4 uncompress: %w", err)
	}

	if n != int(size) {
		return nil, fmt.Errorf("wire: lz4 uncompress size = %d, want %d", n, size)
	}

	return out, nil
}
