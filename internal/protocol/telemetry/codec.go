package telemetry

import (
	"errors"
	"fmt"

	"github.com/danmuck/dronecomms/internal/protocol/frame"
	"github.com/fxamacker/cbor/v2"
)

var (
	ErrDecode  = errors.New("telemetry: decode failed")
	ErrInvalid = errors.New("telemetry: invalid message")
	ErrTooLong = errors.New("telemetry: encoded message exceeds frame payload")
)

// encMode uses Core Deterministic Encoding so one Message always produces
// the same frame bytes.
var encMode cbor.EncMode

// decMode rejects duplicate map keys; unknown keys are ignored so newer
// flight firmware can add fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("telemetry: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 8,
	}.DecMode()
	if err != nil {
		panic("telemetry: CBOR decoder initialization failed: " + err.Error())
	}
}

// Decode turns one checksum-valid frame payload into a Message. Any
// structural failure is reported wrapped in ErrDecode.
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := decMode.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return msg, nil
}

// Encode serializes msg into a frame payload.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(b) > frame.MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(b))
	}
	return b, nil
}

// Codec adapts the package functions to an injectable decoder.
type Codec struct{}

func (Codec) Decode(payload []byte) (Message, error) {
	return Decode(payload)
}
