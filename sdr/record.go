package sdr

import "fmt"

// FullSensor decodes an SDR type-1 (full sensor) record body: the
// identification fields common to every sensor record, plus the
// analog-conversion factors (M, B, linearization, exponents) spec §4.F
// describes.
type FullSensor struct {
	OwnerID      uint8
	LUN          uint8
	SensorNumber uint8
	EntityID     uint8
	EntityInst   uint8

	SensorType       uint8
	EventReadingType uint8

	Linearization uint8
	M             int16
	B             int16
	RExp          int8
	BExp          int8

	IDString string
}

// parseFullSensor follows the byte layout of IPMI's full sensor record
// (table 43-1), offsets here given relative to body, which starts right
// after the 5-byte record header. The teacher has no SDR reader at all;
// this is grounded on k-sone-ipmigo's SDRFullSensor decode (see
// DESIGN.md), re-expressed against this module's Record/body split.
func parseFullSensor(hdr Header, body []byte) (*FullSensor, error) {
	if len(body) < 25 {
		return nil, fmt.Errorf("sdr: short full sensor record (%d bytes)", len(body))
	}
	f := &FullSensor{
		OwnerID:          body[0],
		LUN:              body[1] & 0x03,
		SensorNumber:     body[2],
		EntityID:         body[3],
		EntityInst:       body[4] & 0x7F,
		SensorType:       body[7],
		EventReadingType: body[8],
		Linearization:    body[18] & 0x7F,
	}

	mLSB := uint16(body[19])
	mMSBTol := body[20]
	f.M = signExtend(mLSB|uint16(mMSBTol&0xC0)<<2, 10)

	bLSB := uint16(body[21])
	bMSBAcc := body[22]
	f.B = signExtend(bLSB|uint16(bMSBAcc&0xC0)<<2, 10)

	expByte := body[24]
	f.RExp = int8(int8(expByte) >> 4)
	f.BExp = int8(int8(expByte<<4) >> 4)

	// ID type/length lives at body[42] (OEM byte at 41, analog/threshold
	// fields filling 25-40), with the string itself following at 43.
	if len(body) > 42 {
		idLen := int(body[42] & 0x1F)
		str := body[43:]
		if idLen < len(str) {
			str = str[:idLen]
		}
		f.IDString = string(str)
	}

	return f, nil
}

// signExtend sign-extends an n-bit two's-complement value held in the
// low n bits of v.
func signExtend(v uint16, bits uint) int16 {
	shift := 16 - bits
	return int16(v<<shift) >> shift
}

// ConvertReading applies spec §4.F's formula
// value = (raw*M + B*10^BExp) * 10^RExp, then the linearization
// function selected by f.Linearization (identity through cbrt). For
// linearization 0x70 or any other index outside 0x00-0x0b it returns an
// error; it does not consult a Reader's OEMLinearizers map.
func (f *FullSensor) ConvertReading(raw uint8) (float64, error) {
	linear := float64(raw)*float64(f.M) + float64(f.B)*pow10(int(f.BExp))
	linear *= pow10(int(f.RExp))
	return linearize(f.Linearization, linear)
}

// CompactSensor decodes an SDR type-2 (compact sensor) record body:
// the same identification header as FullSensor, without analog
// conversion factors since compact sensors report discrete states
// rather than a linearized analog reading (table 43-2).
type CompactSensor struct {
	OwnerID      uint8
	LUN          uint8
	SensorNumber uint8
	EntityID     uint8
	EntityInst   uint8

	SensorType       uint8
	EventReadingType uint8

	IDString string
}

func parseCompactSensor(hdr Header, body []byte) (*CompactSensor, error) {
	if len(body) < 27 {
		return nil, fmt.Errorf("sdr: short compact sensor record (%d bytes)", len(body))
	}
	c := &CompactSensor{
		OwnerID:          body[0],
		LUN:              body[1] & 0x03,
		SensorNumber:     body[2],
		EntityID:         body[3],
		EntityInst:       body[4] & 0x7F,
		SensorType:       body[7],
		EventReadingType: body[8],
	}
	idLen := int(body[26] & 0x1F)
	str := body[27:]
	if idLen < len(str) {
		str = str[:idLen]
	}
	c.IDString = string(str)
	return c, nil
}

// EventOnlySensor decodes an SDR type-3 (event-only) record body: a
// sensor that reports discrete events but no reading at all, so even
// the sensor type/reading type fields sit at different offsets than
// full/compact sensors (table 43-3).
type EventOnlySensor struct {
	OwnerID      uint8
	LUN          uint8
	SensorNumber uint8
	EntityID     uint8

	SensorType       uint8
	EventReadingType uint8

	IDString string
}

func parseEventOnlySensor(hdr Header, body []byte) (*EventOnlySensor, error) {
	if len(body) < 13 {
		return nil, fmt.Errorf("sdr: short event-only sensor record (%d bytes)", len(body))
	}
	e := &EventOnlySensor{
		OwnerID:          body[0],
		LUN:              body[1] & 0x03,
		SensorNumber:     body[2],
		EntityID:         body[3],
		SensorType:       body[5],
		EventReadingType: body[6],
	}
	idLen := int(body[11] & 0x1F)
	str := body[12:]
	if idLen < len(str) {
		str = str[:idLen]
	}
	e.IDString = string(str)
	return e, nil
}

func pow10(exp int) float64 {
	v := 1.0
	if exp >= 0 {
		for i := 0; i < exp; i++ {
			v *= 10
		}
		return v
	}
	for i := 0; i > exp; i-- {
		v /= 10
	}
	return v
}
