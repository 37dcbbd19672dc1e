// Package codec encodes sensor readings into the GATT characteristic payloads
// used by the Fitness Machine, Heart Rate and Cycling Power services.
//
// All multi-byte fields are little-endian. Values that do not fit their field
// are truncated to the field width rather than rejected.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Flag words written in the first bytes of each payload.
const (
	// IndoorBikeDataFlags is written as-is for compatibility with existing
	// clients. Bit 2 (instantaneous cadence present) is not set even though
	// the cadence byte is always written.
	IndoorBikeDataFlags uint16 = 0x0044

	// HeartRateFlags selects the 8-bit heart rate value format.
	HeartRateFlags uint8 = 0x00

	// CyclingPowerFlags marks the measurement as carrying instantaneous power only.
	CyclingPowerFlags uint16 = 0x0020

	// CyclingPowerFeatureMask advertises basic power measurement support.
	CyclingPowerFeatureMask uint32 = 0x00000001
)

// Payload sizes in bytes.
const (
	IndoorBikeDataLen          = 7
	HeartRateMeasurementLen    = 2
	CyclingPowerMeasurementLen = 4
	CyclingPowerFeatureLen     = 4
)

// ErrShortPayload is returned by the decoders when the input is smaller than
// the fixed layout requires.
var ErrShortPayload = errors.New("codec: payload too short")

// IndoorBikeData encodes an Indoor Bike Data (0x2AD2) payload.
//
//	[0:2] flags
//	[2:4] speed, unsigned, 0.01 km/h
//	[4]   cadence, rpm
//	[5:7] instantaneous power, signed, watts
func IndoorBikeData(speedKmh float64, cadenceRPM, powerW int) []byte {
	b := make([]byte, IndoorBikeDataLen)
	binary.LittleEndian.PutUint16(b[0:], IndoorBikeDataFlags)
	binary.LittleEndian.PutUint16(b[2:], speedField(speedKmh))
	b[4] = byte(cadenceRPM)
	binary.LittleEndian.PutUint16(b[5:], uint16(int16(powerW)))
	return b
}

// HeartRateMeasurement encodes a Heart Rate Measurement (0x2A37) payload in
// the 8-bit value format.
func HeartRateMeasurement(bpm int) []byte {
	return []byte{HeartRateFlags, byte(bpm)}
}

// CyclingPowerMeasurement encodes a Cycling Power Measurement (0x2A63) payload.
func CyclingPowerMeasurement(powerW int) []byte {
	b := make([]byte, CyclingPowerMeasurementLen)
	binary.LittleEndian.PutUint16(b[0:], CyclingPowerFlags)
	binary.LittleEndian.PutUint16(b[2:], uint16(int16(powerW)))
	return b
}

// CyclingPowerFeature returns the static Cycling Power Feature (0x2A65) value.
func CyclingPowerFeature() []byte {
	b := make([]byte, CyclingPowerFeatureLen)
	binary.LittleEndian.PutUint32(b, CyclingPowerFeatureMask)
	return b
}

// speedField converts km/h to the 0.01 km/h wire unit. Out of range values
// wrap modulo 2^16 and NaN encodes as zero.
func speedField(speedKmh float64) uint16 {
	v := math.Round(speedKmh * 100)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v > math.MaxInt64 || v < math.MinInt64 {
		return 0
	}
	return uint16(int64(v))
}

// IndoorBikeDataFields is the decoded form of an Indoor Bike Data payload.
type IndoorBikeDataFields struct {
	Flags      uint16
	SpeedKmh   float64
	CadenceRPM uint8
	PowerW     int16
}

// DecodeIndoorBikeData parses a payload produced by IndoorBikeData.
func DecodeIndoorBikeData(b []byte) (IndoorBikeDataFields, error) {
	if len(b) < IndoorBikeDataLen {
		return IndoorBikeDataFields{}, fmt.Errorf("indoor bike data: %w (got %d bytes)", ErrShortPayload, len(b))
	}
	return IndoorBikeDataFields{
		Flags:      binary.LittleEndian.Uint16(b[0:]),
		SpeedKmh:   float64(binary.LittleEndian.Uint16(b[2:])) / 100,
		CadenceRPM: b[4],
		PowerW:     int16(binary.LittleEndian.Uint16(b[5:])),
	}, nil
}

// DecodeHeartRateMeasurement returns the heart rate carried by a Heart Rate
// Measurement payload. Both the 8-bit and 16-bit value formats are accepted.
func DecodeHeartRateMeasurement(b []byte) (int, error) {
	if len(b) < HeartRateMeasurementLen {
		return 0, fmt.Errorf("heart rate measurement: %w (got %d bytes)", ErrShortPayload, len(b))
	}
	if b[0]&0x01 == 0 {
		return int(b[1]), nil
	}
	if len(b) < 3 {
		return 0, fmt.Errorf("heart rate measurement: %w (16-bit format, got %d bytes)", ErrShortPayload, len(b))
	}
	return int(binary.LittleEndian.Uint16(b[1:])), nil
}

// DecodeCyclingPowerMeasurement returns the flags and instantaneous power of a
// Cycling Power Measurement payload.
func DecodeCyclingPowerMeasurement(b []byte) (flags uint16, powerW int16, err error) {
	if len(b) < CyclingPowerMeasurementLen {
		return 0, 0, fmt.Errorf("cycling power measurement: %w (got %d bytes)", ErrShortPayload, len(b))
	}
	return binary.LittleEndian.Uint16(b[0:]), int16(binary.LittleEndian.Uint16(b[2:])), nil
}

// DecodeCyclingPowerFeature returns the feature bitmask of a Cycling Power
// Feature value.
func DecodeCyclingPowerFeature(b []byte) (uint32, error) {
	if len(b) < CyclingPowerFeatureLen {
		return 0, fmt.Errorf("cycling power feature: %w (got %d bytes)", ErrShortPayload, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}
