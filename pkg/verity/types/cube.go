// Package types holds the wire-adjacent value types shared by every layer
// of the retrieval subsystem: cube identity, cube metadata, and the binary
// record itself.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// CubeSize is the fixed length of a binary cube record.
const CubeSize = 1024

// KeySize is the length, in bytes, of a CubeKey or NotificationKey.
const KeySize = 32

// CubeKey identifies a cube. For immutable variants it is the hash of the
// binary record; for mutable variants it is the author's public key.
type CubeKey [KeySize]byte

func (k CubeKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is the zero key.
func (k CubeKey) IsZero() bool {
	return k == CubeKey{}
}

// NotificationKey tags a cube with a recipient. Same shape as CubeKey.
type NotificationKey [KeySize]byte

func (k NotificationKey) String() string {
	return hex.EncodeToString(k[:])
}

// KeyFromBytes normalizes an arbitrary-length byte slice to a CubeKey,
// failing if the input isn't exactly KeySize bytes long.
func KeyFromBytes(b []byte) (CubeKey, error) {
	var k CubeKey
	if len(b) != KeySize {
		return k, fmt.Errorf("verity: key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Variant enumerates the cube kinds relevant to contest/ordering.
type Variant int

const (
	// Frozen cubes are immutable, keyed by content hash.
	Frozen Variant = iota
	// PIC is an immutable content cube, keyed by content hash.
	PIC
	// MUC is a mutable user-signed cube, keyed by public key.
	MUC
	// PMUC is a persistent MUC with an explicit update counter.
	PMUC
)

func (v Variant) String() string {
	switch v {
	case Frozen:
		return "FROZEN"
	case PIC:
		return "PIC"
	case MUC:
		return "MUC"
	case PMUC:
		return "PMUC"
	default:
		return "UNKNOWN"
	}
}

// Immutable reports whether v's identity is a content hash rather than a
// public key.
func (v Variant) Immutable() bool {
	return v == Frozen || v == PIC
}

// CubeInfo is the metadata the retrieval subsystem reasons about for one
// stored or offered cube, per spec.md §3.
type CubeInfo struct {
	Key        CubeKey
	Variant    Variant
	Date       uint64
	Difficulty int
	UpdateCount uint64
	NotifyKey  *NotificationKey
	Blob       []byte
}

// HasNotify reports whether the cube carries a NOTIFY field.
func (c CubeInfo) HasNotify() bool {
	return c.NotifyKey != nil
}

// Equal reports whether two CubeInfo values are byte-identical, the
// contract required for distinct immutable candidates of the same key
// (spec.md §4.1).
func (c CubeInfo) Equal(other CubeInfo) bool {
	if c.Key != other.Key || c.Variant != other.Variant {
		return false
	}
	return bytes.Equal(c.Blob, other.Blob)
}

// Cube is the 1024-byte binary record, the atomic unit of storage and
// exchange.
type Cube struct {
	Raw  [CubeSize]byte
	Info CubeInfo
}
