package telemetry

import (
	"fmt"
	"math"
)

// FlightMode mirrors the autopilot's operating mode.
type FlightMode uint8

const (
	ModeDegraded    FlightMode = 0
	ModePassThrough FlightMode = 1
	ModeFlyByWire   FlightMode = 2
	ModeAutonomous  FlightMode = 3
)

func (m FlightMode) String() string {
	switch m {
	case ModeDegraded:
		return "degraded"
	case ModePassThrough:
		return "pass_through"
	case ModeFlyByWire:
		return "fly_by_wire"
	case ModeAutonomous:
		return "autonomous"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Message is one decoded downlink telemetry record. Optional groups are nil
// when the flight computer did not send them. Integer keys keep the payload
// inside one 255-byte frame.
type Message struct {
	TimestampMS uint32     `cbor:"1,keyasint" json:"timestamp_ms"`
	Mode        FlightMode `cbor:"2,keyasint" json:"mode"`
	Attitude    *Attitude  `cbor:"3,keyasint,omitempty" json:"attitude,omitempty"`
	Position    *Position  `cbor:"4,keyasint,omitempty" json:"position,omitempty"`
	Battery     *Battery   `cbor:"5,keyasint,omitempty" json:"battery,omitempty"`
	Command     *Command   `cbor:"6,keyasint,omitempty" json:"command,omitempty"`
}

// Attitude in degrees; speed in m/s.
type Attitude struct {
	Pitch   float32 `cbor:"1,keyasint" json:"pitch"`
	Roll    float32 `cbor:"2,keyasint" json:"roll"`
	Heading float32 `cbor:"3,keyasint" json:"heading"`
	Speed   float32 `cbor:"4,keyasint" json:"speed"`
}

// Position in degrees and metres above sea level.
type Position struct {
	Latitude  float64 `cbor:"1,keyasint" json:"latitude"`
	Longitude float64 `cbor:"2,keyasint" json:"longitude"`
	Altitude  float32 `cbor:"3,keyasint" json:"altitude"`
}

type Battery struct {
	Voltage float32 `cbor:"1,keyasint" json:"voltage"`
	Current float32 `cbor:"2,keyasint" json:"current"`
}

// Command is the control set currently applied by the autopilot.
type Command struct {
	Yaw    uint8 `cbor:"1,keyasint" json:"yaw"`
	Pitch  uint8 `cbor:"2,keyasint" json:"pitch"`
	Thrust uint8 `cbor:"3,keyasint" json:"thrust"`
}

func (m Message) Validate() error {
	if m.Mode > ModeAutonomous {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalid, m.Mode)
	}
	if a := m.Attitude; a != nil {
		if !finite32(a.Pitch, a.Roll, a.Heading, a.Speed) {
			return fmt.Errorf("%w: non-finite attitude", ErrInvalid)
		}
		if a.Heading < 0 || a.Heading >= 360 {
			return fmt.Errorf("%w: heading %v out of bounds", ErrInvalid, a.Heading)
		}
	}
	if p := m.Position; p != nil {
		if p.Latitude < -90 || p.Latitude > 90 || math.IsNaN(p.Latitude) {
			return fmt.Errorf("%w: latitude %v out of bounds", ErrInvalid, p.Latitude)
		}
		if p.Longitude < -180 || p.Longitude > 180 || math.IsNaN(p.Longitude) {
			return fmt.Errorf("%w: longitude %v out of bounds", ErrInvalid, p.Longitude)
		}
		if !finite32(p.Altitude) {
			return fmt.Errorf("%w: non-finite altitude", ErrInvalid)
		}
	}
	if b := m.Battery; b != nil && !finite32(b.Voltage, b.Current) {
		return fmt.Errorf("%w: non-finite battery reading", ErrInvalid)
	}
	return nil
}

func finite32(values ...float32) bool {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
