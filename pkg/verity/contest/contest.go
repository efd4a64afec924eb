// Package contest implements the pure tie-break policy for two candidate
// CubeInfo values sharing the same key (spec.md §4.1). It is a leaf: it
// has no dependency on the scheduler, the session, or any I/O, per
// spec.md §2's data-flow diagram.
package contest

import (
	"bytes"

	"github.com/jabolina/verity/pkg/verity/types"
)

// Contest deterministically picks a winner between a and b, two CubeInfo
// values sharing the same key. The contract (spec.md §4.1), grounded on
// the two-phase timestamp comparison in the teacher's
// pkg/mcast/protocol.go processCompute/processGather and
// pkg/mcast/core/peer.go processInitialMessage:
//
//   - Immutable variants (Frozen, PIC) must be byte-identical; a caller
//     passing distinct content under the same key has a logic bug, so
//     Contest simply returns a (the identity element) rather than
//     panicking — callers that care should assert Equal themselves.
//   - PMUC: higher update-counter wins.
//   - MUC, or PMUC tied on counter: higher declared date wins; then
//     higher difficulty; then lexicographically greater hash.
//
// The ordering is total, deterministic, commutative in result
// (Contest(a, b) == Contest(b, a)) and transitive.
func Contest(a, b types.CubeInfo) types.CubeInfo {
	if a.Key != b.Key {
		// Not the same logical slot; nothing to contest. Keep a, the
		// caller's responsibility to only call Contest same-key.
		return a
	}

	if a.Variant.Immutable() && b.Variant.Immutable() {
		return a
	}

	if a.Variant == types.PMUC && b.Variant == types.PMUC && a.UpdateCount != b.UpdateCount {
		if a.UpdateCount > b.UpdateCount {
			return a
		}
		return b
	}

	if a.Date != b.Date {
		if a.Date > b.Date {
			return a
		}
		return b
	}

	if a.Difficulty != b.Difficulty {
		if a.Difficulty > b.Difficulty {
			return a
		}
		return b
	}

	if c := bytes.Compare(hashOf(a), hashOf(b)); c != 0 {
		if c > 0 {
			return a
		}
		return b
	}
	return a
}

// hashOf returns the bytes Contest compares lexicographically on a final
// tie: the blob itself stands in for "the binary hash" when a and b are
// mutable cubes (their key is the author's public key, not a content
// hash, so the content itself is what differs).
func hashOf(c types.CubeInfo) []byte {
	return c.Blob
}

// ShouldRetain encodes the repository's retention policy: a cube whose
// computed lifetime (a function of its proof-of-work difficulty) places
// it outside a validity window around currentEpoch is rejected.
//
// spec.md §9 says this formula should be "ported verbatim from the codec
// module" when one exists; Verity has no original codec to port from (see
// SPEC_FULL.md's Domain Stack / DESIGN.md entry for this module), so the
// formula here is defined concretely: lifetime grows linearly with
// difficulty between a configured floor and ceiling, and a cube is
// retained while currentEpoch is at most date+lifetime; a cube whose date
// lies after currentEpoch is always retained.
func ShouldRetain(date uint64, difficulty int, currentEpoch uint64, opts RetentionOptions) bool {
	lifetime := opts.lifetimeFor(difficulty)
	if currentEpoch < date {
		// Declared in the future: retain, let the clock catch up.
		return true
	}
	age := currentEpoch - date
	return age <= lifetime
}

// RetentionOptions parameterizes ShouldRetain's lifetime-per-difficulty
// curve.
type RetentionOptions struct {
	// MinLifetime is the lifetime granted at difficulty 0.
	MinLifetime uint64
	// MaxLifetime is the lifetime granted at or above MaxDifficulty.
	MaxLifetime uint64
	// MaxDifficulty is the difficulty at which MaxLifetime is reached.
	MaxDifficulty int
}

// DefaultRetentionOptions mirrors a modest day-to-year curve: a
// difficulty-0 cube is retained for a day, scaling linearly up to a year
// at 24 trailing zero bits.
func DefaultRetentionOptions() RetentionOptions {
	return RetentionOptions{
		MinLifetime:   86400,
		MaxLifetime:   86400 * 365,
		MaxDifficulty: 24,
	}
}

func (o RetentionOptions) lifetimeFor(difficulty int) uint64 {
	if difficulty <= 0 {
		return o.MinLifetime
	}
	if difficulty >= o.MaxDifficulty {
		return o.MaxLifetime
	}
	span := o.MaxLifetime - o.MinLifetime
	return o.MinLifetime + span*uint64(difficulty)/uint64(o.MaxDifficulty)
}
