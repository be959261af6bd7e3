// Package wire implements the length-prefixed, tagged-union envelope
// codec (spec §4.1, §6). Encoding is deterministic canonical CBOR: the
// same logical envelope always produces the same byte sequence, which is
// what lets message_id and message bytes be compared/hashed across the
// fleet. Framing is a 4-byte big-endian length followed by that many
// bytes of canonical-CBOR payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameLength is the largest accepted payload, per spec §4.1.
const MaxFrameLength = 16 * 1024 * 1024

// Version identifies the envelope wire format.
type Version uint8

const V0 Version = 0

// Sentinel/typed codec errors, per spec §4.1's taxonomy.
var (
	ErrTruncated              = errors.New("wire: truncated frame")
	ErrMessageTooLarge        = errors.New("wire: message too large")
	ErrIndefiniteLengthReject = errors.New("wire: indefinite-length item rejected")
	ErrUTF8                   = errors.New("wire: invalid utf-8 string")
)

// UnknownTagError reports a tag with no known ClientMessage/ServerMessage
// variant.
type UnknownTagError struct{ Tag int }

func (e *UnknownTagError) Error() string { return fmt.Sprintf("wire: unknown tag %d", e.Tag) }

// UnexpectedArrayLengthError reports arity mismatch for a known tag.
type UnexpectedArrayLengthError struct{ Expected, Actual int }

func (e *UnexpectedArrayLengthError) Error() string {
	return fmt.Sprintf("wire: unexpected array length: expected %d, got %d", e.Expected, e.Actual)
}

// InvalidUUIDLengthError reports a DeviceUuid payload that isn't exactly 16 bytes.
type InvalidUUIDLengthError struct{ Actual int }

func (e *InvalidUUIDLengthError) Error() string {
	return fmt.Sprintf("wire: invalid uuid length: %d", e.Actual)
}

// Envelope is the outer (version, message_id, message) array (spec §3).
type Envelope struct {
	Version   Version
	MessageID uint64
	Message   Message
}

// Message is implemented by every ClientMessage/ServerMessage variant. Tag
// returns the variant's wire tag.
type Message interface {
	Tag() int
}

var cborEncMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err) // options are a compile-time constant; can't fail at runtime
	}
	return m
}()

// wireEnvelope is the raw three-element array shape used on the wire;
// Message is re-expressed as rawMessage (a tag + raw field array) so the
// codec can dispatch on tag before typing the payload.
type wireEnvelope struct {
	_         struct{} `cbor:",toarray"`
	Version   uint8
	MessageID uint64
	Message   cbor.RawMessage
}

// Encode serializes env into canonical CBOR bytes (no length prefix).
func Encode(env Envelope) ([]byte, error) {
	raw, err := encodeMessage(env.Message)
	if err != nil {
		return nil, err
	}
	we := wireEnvelope{Version: uint8(env.Version), MessageID: env.MessageID, Message: raw}
	return cborEncMode.Marshal(we)
}

// EncodeFrame serializes env and prefixes it with its 4-byte BE length.
func EncodeFrame(env Envelope) ([]byte, error) {
	payload, err := Encode(env)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameLength {
		return nil, ErrMessageTooLarge
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it,
// treating the message as belonging to dir's tag space.
// A short read before EOF yields ErrTruncated; a declared length over
// MaxFrameLength yields ErrMessageTooLarge before any payload is read.
func ReadFrame(r io.Reader, dir Direction) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Envelope{}, io.EOF
		}
		return Envelope{}, ErrTruncated
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameLength {
		return Envelope{}, ErrMessageTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, ErrTruncated
	}
	return Decode(payload, dir)
}

// WriteFrame writes env to w as a length-prefixed frame.
func WriteFrame(w io.Writer, env Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode parses a single (non length-prefixed) canonical-CBOR payload,
// treating the message as belonging to dir's tag space.
func Decode(payload []byte, dir Direction) (Envelope, error) {
	dm, err := cbor.DecOptions{IndefLength: cbor.IndefLengthForbidden}.DecMode()
	if err != nil {
		return Envelope{}, err
	}

	var we wireEnvelope
	if err := dm.Unmarshal(payload, &we); err != nil {
		if isIndefiniteLengthErr(err) {
			return Envelope{}, ErrIndefiniteLengthReject
		}
		return Envelope{}, err
	}

	msg, err := decodeMessage(we.Message, dir)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Version: Version(we.Version), MessageID: we.MessageID, Message: msg}, nil
}

// isIndefiniteLengthErr matches on the decoder's own error text rather
// than a concrete error type, since fxamacker/cbor/v2 does not export a
// stable sentinel type for this condition across versions.
func isIndefiniteLengthErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "indefinite")
}
