// Package version exposes the binary's embedded version marker, the way
// internal/version does upstream: a single immutable value computed once,
// never mutated, that external updaters can locate by its fixed prefix.
package version

import (
	"encoding/binary"
	"strconv"
)

// Major, Minor, and Revision make up the node's version triple.
const (
	Major    = 1
	Minor    = 0
	Revision = 0
)

// markerPrefix is the fixed 16-byte sequence external updaters grep for.
var markerPrefix = [16]byte{
	0x6d, 0xfe, 0xff, 0x01, 0x90, 0xfa, 0x89, 0x57,
	0x88, 0xa1, 0xaa, 0xdc, 0xdd, 0xde, 0xb0, 0x33,
}

// Marker is the 20-byte version marker: the fixed prefix followed by major,
// minor, and a little-endian 16-bit revision.
var Marker = buildMarker()

func buildMarker() [20]byte {
	var m [20]byte
	copy(m[:16], markerPrefix[:])
	m[16] = byte(Major)
	m[17] = byte(Minor)
	binary.LittleEndian.PutUint16(m[18:20], uint16(Revision))
	return m
}

// String renders the version triple as "major.minor.revision".
func String() string {
	return strconv.Itoa(Major) + "." + strconv.Itoa(Minor) + "." + strconv.Itoa(Revision)
}
