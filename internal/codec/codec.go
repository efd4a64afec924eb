// Package codec is a minimal, test-only implementation of
// types.CubeCodec: it turns a CubeInfo plus content into a 1024-byte
// binary record and back, using proof-of-work (trailing zero bits of a
// sha256 digest) for difficulty and ed25519 for MUC/PMUC signatures.
// Production callers of the retrieval subsystem are expected to bring
// their own codec matching their network's actual wire format
// (spec.md §1); this one exists to build and validate the fixtures
// fuzzy's end-to-end scenarios exercise.
package codec

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/jabolina/verity/pkg/verity/types"
)

const (
	offVariant     = 0
	offNonce       = 1
	offDate        = offNonce + 8
	offUpdateCount = offDate + 8
	offNotifyFlag  = offUpdateCount + 8
	offNotifyKey   = offNotifyFlag + 1
	offKey         = offNotifyKey + types.KeySize
	offSignature   = offKey + types.KeySize
	offContentLen  = offSignature + ed25519.SignatureSize
	offContent     = offContentLen + 2

	// maxContentLen is what's left of the 1024-byte record after every
	// fixed field.
	maxContentLen = types.CubeSize - offContent

	// maxMineAttempts bounds Encode's proof-of-work search; fixtures
	// that ask for more difficulty than this can find within budget get
	// whatever the search's best nonce produced.
	maxMineAttempts = 1 << 20
)

// ErrContentTooLarge is returned by Encode when content won't fit the
// fixed-size record.
var ErrContentTooLarge = fmt.Errorf("codec: content exceeds %d bytes", maxContentLen)

// ErrShortRecord is returned by Decode when raw isn't exactly
// types.CubeSize bytes.
var ErrShortRecord = fmt.Errorf("codec: record must be exactly %d bytes", types.CubeSize)

// ErrBadSignature is returned by Decode when a MUC/PMUC record's
// ed25519 signature doesn't verify against its declared key.
var ErrBadSignature = errors.New("codec: signature verification failed")

// ErrBadVariant is returned by Decode for an unrecognized variant byte.
var ErrBadVariant = errors.New("codec: unrecognized variant")

// Codec implements types.CubeCodec.
type Codec struct{}

// New builds a Codec. It holds no state; every call is independent.
func New() *Codec {
	return &Codec{}
}

// Encode builds a 1024-byte record for info and content.
//
// For Frozen and PIC (immutable) records, info.Key is ignored: the
// record's key field is the sha256 of everything else, computed after
// mining a nonce for info.Difficulty trailing zero bits.
//
// For MUC and PMUC (mutable) records, info.Key is treated as an
// ed25519 seed: Encode derives the signing keypair from it with
// ed25519.NewKeyFromSeed and writes the derived public key into the
// record, not the seed itself. This is a fixture-building convenience,
// not a general-purpose signing API — Decode is what returns the
// authoritative CubeInfo (including the real public key) for a record.
func (c *Codec) Encode(info types.CubeInfo, content []byte) ([]byte, error) {
	if len(content) > maxContentLen {
		return nil, ErrContentTooLarge
	}

	raw := make([]byte, types.CubeSize)
	raw[offVariant] = byte(info.Variant)
	binary.BigEndian.PutUint64(raw[offDate:], info.Date)
	if info.Variant == types.PMUC {
		binary.BigEndian.PutUint64(raw[offUpdateCount:], info.UpdateCount)
	}
	if info.HasNotify() {
		raw[offNotifyFlag] = 1
		copy(raw[offNotifyKey:], info.NotifyKey[:])
	}
	binary.BigEndian.PutUint16(raw[offContentLen:], uint16(len(content)))
	copy(raw[offContent:], content)

	var signingKey ed25519.PrivateKey
	if !info.Variant.Immutable() {
		signingKey = ed25519.NewKeyFromSeed(info.Key[:])
		pub := signingKey.Public().(ed25519.PublicKey)
		copy(raw[offKey:], pub)
	}

	// Mine the nonce before signing: the signature covers the nonce, so
	// it must be computed last, once the nonce is final. Difficulty
	// itself ignores the (not yet written) signature bytes so mining
	// and Decode's later recomputation always agree.
	mine(raw, info.Difficulty)

	if !info.Variant.Immutable() {
		sig := ed25519.Sign(signingKey, signedRegion(raw))
		copy(raw[offSignature:], sig)
	} else {
		digest := sha256.Sum256(hashedRegion(raw))
		copy(raw[offKey:], digest[:])
	}

	return raw, nil
}

// Decode parses and validates raw into a Cube, failing on malformed
// input or (for MUC/PMUC) a bad signature. It does not itself enforce a
// minimum difficulty — that's contest.ShouldRetain's job, against the
// Difficulty Decode reports.
func (c *Codec) Decode(raw []byte) (types.Cube, error) {
	if len(raw) != types.CubeSize {
		return types.Cube{}, ErrShortRecord
	}

	variant := types.Variant(raw[offVariant])
	if variant < types.Frozen || variant > types.PMUC {
		return types.Cube{}, ErrBadVariant
	}

	var key types.CubeKey
	copy(key[:], raw[offKey:offKey+types.KeySize])

	if !variant.Immutable() {
		sig := raw[offSignature : offSignature+ed25519.SignatureSize]
		if !ed25519.Verify(ed25519.PublicKey(key[:]), signedRegion(raw), sig) {
			return types.Cube{}, ErrBadSignature
		}
	}

	info := types.CubeInfo{
		Key:     key,
		Variant: variant,
		Date:    binary.BigEndian.Uint64(raw[offDate:]),
		Blob:    append([]byte(nil), raw...),
	}
	if variant == types.PMUC {
		info.UpdateCount = binary.BigEndian.Uint64(raw[offUpdateCount:])
	}
	if raw[offNotifyFlag] == 1 {
		var nk types.NotificationKey
		copy(nk[:], raw[offNotifyKey:offNotifyKey+types.KeySize])
		info.NotifyKey = &nk
	}
	info.Difficulty = Difficulty(raw)

	var cube types.Cube
	copy(cube.Raw[:], raw)
	cube.Info = info
	return cube, nil
}

// Content returns the variable-length payload of a decoded record,
// the slice Decode's caller reads the cube's actual value out of.
func Content(raw []byte) []byte {
	n := binary.BigEndian.Uint16(raw[offContentLen:])
	return raw[offContent : offContent+int(n)]
}

// Difficulty reports the proof-of-work difficulty of a record: the
// number of trailing zero bits in sha256 of everything but the key and
// signature fields. Those two are excluded because both are filled in
// only after mining settles on a nonce (the key, for immutable variants,
// is itself a hash that depends on the mined nonce; the signature covers
// the mined nonce too) — excluding them lets Encode's mining pass and
// Decode's later recomputation agree on the same number.
func Difficulty(raw []byte) int {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	for i := offKey; i < offKey+types.KeySize; i++ {
		buf[i] = 0
	}
	for i := offSignature; i < offSignature+ed25519.SignatureSize; i++ {
		buf[i] = 0
	}
	digest := sha256.Sum256(buf)
	zeros := 0
	for i := len(digest) - 1; i >= 0; i-- {
		b := digest[i]
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.TrailingZeros8(b)
		break
	}
	return zeros
}

// mine searches nonces until Difficulty(raw) reaches wantDifficulty, or
// maxMineAttempts is exhausted, in which case the best nonce found is
// kept.
func mine(raw []byte, wantDifficulty int) {
	best, bestDifficulty := uint64(0), -1
	for nonce := uint64(0); nonce < maxMineAttempts; nonce++ {
		binary.BigEndian.PutUint64(raw[offNonce:], nonce)
		d := Difficulty(raw)
		if d > bestDifficulty {
			best, bestDifficulty = nonce, d
		}
		if d >= wantDifficulty {
			return
		}
	}
	binary.BigEndian.PutUint64(raw[offNonce:], best)
}

// signedRegion is everything an ed25519 signature over a MUC/PMUC
// record covers: every field but the signature itself.
func signedRegion(raw []byte) []byte {
	out := make([]byte, 0, len(raw)-ed25519.SignatureSize)
	out = append(out, raw[:offSignature]...)
	out = append(out, raw[offSignature+ed25519.SignatureSize:]...)
	return out
}

// hashedRegion is everything an immutable record's content-hash key
// covers: every field but the key itself.
func hashedRegion(raw []byte) []byte {
	out := make([]byte, 0, len(raw)-types.KeySize)
	out = append(out, raw[:offKey]...)
	out = append(out, raw[offKey+types.KeySize:]...)
	return out
}
