// Package wire implements the stateless byte-level codec shared by both ends
// of the protocol: delimiter framing with byte stuffing, canonical big-endian
// field serialization with length-prefixed strings, and LZ4 block compression
// with a marker header carrying the original size.
package wire
