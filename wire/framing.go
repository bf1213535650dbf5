package wire

import "bytes"

const (
	// Delimiter terminates every frame on the stream. It never appears inside
	// an encoded payload; occurrences are escaped by byte stuffing.
	Delimiter byte = 0x7e

	// Escape introduces a stuffed byte. The byte following an Escape must be
	// XORed with EscapeMask to recover the original value.
	Escape byte = 0x7d

	// EscapeMask is XORed onto Delimiter and Escape bytes occurring in a
	// payload so that neither reserved value appears on the wire.
	EscapeMask byte = 0x20

	// EncryptMarker is the 1-byte header that flags an encrypted frame. Like
	// CompressMarker it sits outside the command header byte range.
	EncryptMarker byte = 0xff
)

// Encode escapes the reserved bytes in payload and appends the frame
// delimiter. Decode is its exact inverse.
//
// Parameters:
//   - payload: The raw frame contents
//
// Returns:
//   - The framed bytes, ready to be written to the stream
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(payload)/8+1)
	for _, c := range payload {
		if c == Delimiter || c == Escape {
			out = append(out, Escape, c^EscapeMask)
		} else {
			out = append(out, c)
		}
	}

	return append(out, Delimiter)
}

// Decode reverses the byte stuffing applied by Encode. The input may or may
// not include the trailing delimiter; either way it is not part of the
// result. A trailing unpaired escape byte is dropped.
//
// Parameters:
//   - framed: One frame's bytes, with or without the terminating delimiter
//
// Returns:
//   - The original payload
func Decode(framed []byte) []byte {
	out := make([]byte, 0, len(framed))
	escape := false
	for _, c := range framed {
		switch {
		case escape:
			out = append(out, c^EscapeMask)
			escape = false
		case c == Escape:
			escape = true
		case c == Delimiter:
			// Terminator; nothing after it belongs to this frame.
			return out
		default:
			out = append(out, c)
		}
	}

	return out
}

// SplitFrames extracts every complete delimiter-terminated frame from buf.
// It returns the still-escaped frame bodies (without their delimiters) and
// the unconsumed remainder, which the caller keeps for the next read. Zero,
// one, or many frames may be returned per call.
//
// Parameters:
//   - buf: Accumulated stream bytes
//
// Returns:
//   - The complete frames found, delimiters stripped, still escaped
//   - The trailing bytes of an incomplete frame, if any
func SplitFrames(buf []byte) (frames [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(buf, Delimiter)
		if i < 0 {
			return frames, buf
		}

		frame := make([]byte, i)
		copy(frame, buf[:i])
		frames = append(frames, frame)
		buf = buf[i+1:]
	}
}
