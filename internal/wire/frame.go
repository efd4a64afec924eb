package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the version byte pair written at the head of every
// frame, mirroring the teacher's RPCHeader.ProtocolVersion gate in
// pkg/mcast/protocol.go's checkRPCHeader.
const ProtocolVersion uint16 = 1

// MaxKeysPerMessage bounds how many cube/notification keys a single
// message may carry (spec.md §6).
const MaxKeysPerMessage = 64

// ErrTooManyKeys is returned when a caller tries to pack more than
// MaxKeysPerMessage keys into one message.
var ErrTooManyKeys = errors.New("wire: too many keys for a single message")

// ErrUnsupportedVersion is returned when a decoded frame carries a
// protocol version this build does not understand.
var ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")

// Frame is the length-prefixed, versioned, class-tagged binary envelope
// every wire message is sent in (spec.md §6).
type Frame struct {
	Version uint16
	Tag     MessageTag
	Payload []byte
}

// EncodeMessage marshals a typed wire message into a Frame, tagging it
// with tag and enforcing MaxKeysPerMessage via keyCount.
func EncodeMessage(tag MessageTag, keyCount int, msg any) (Frame, error) {
	if keyCount > MaxKeysPerMessage {
		return Frame{}, ErrTooManyKeys
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode %T: %w", msg, err)
	}
	return Frame{Version: ProtocolVersion, Tag: tag, Payload: payload}, nil
}

// WriteFrame writes f to w as: 2-byte version, 1-byte tag, 4-byte payload
// length, payload.
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 7)
	binary.BigEndian.PutUint16(header[0:2], f.Version)
	header[2] = byte(f.Tag)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	version := binary.BigEndian.Uint16(header[0:2])
	if version != ProtocolVersion {
		return Frame{}, ErrUnsupportedVersion
	}
	tag := MessageTag(header[2])
	n := binary.BigEndian.Uint32(header[3:7])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return Frame{Version: version, Tag: tag, Payload: payload}, nil
}

// Decode unmarshals f's payload into dst, which must be a pointer to the
// type matching f.Tag.
func Decode(f Frame, dst any) error {
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("wire: decode tag %d: %w", f.Tag, err)
	}
	return nil
}
