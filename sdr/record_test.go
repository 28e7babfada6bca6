package sdr

import "testing"

// fullSensorBody builds a minimal, well-formed full sensor record body
// (everything after the 5-byte record header) with the given
// linearization/M/B/exponent/id-string values, per IPMI table 43-1.
func fullSensorBody(linearization uint8, m, b int16, rExp, bExp int8, id string) []byte {
	body := make([]byte, 43+len(id))
	body[0] = 0x20           // owner id (unshifted, IPMI slave address)
	body[1] = 0x00           // lun
	body[2] = 0x05           // sensor number
	body[3] = 0x17           // entity id
	body[4] = 0x01           // entity instance
	body[7] = 0x01           // sensor type: temperature
	body[8] = 0x01           // event/reading type
	body[18] = linearization & 0x7F

	mu := uint16(m)
	body[19] = byte(mu)
	body[20] = byte((mu >> 2) & 0xC0)

	bu := uint16(b)
	body[21] = byte(bu)
	body[22] = byte((bu >> 2) & 0xC0)

	body[24] = byte(uint8(rExp)<<4) | byte(uint8(bExp)&0x0F)

	body[42] = uint8(len(id)) & 0x1F
	copy(body[43:], id)
	return body
}

func TestParseFullSensorFields(t *testing.T) {
	body := fullSensorBody(0x00, 10, -40, 0, 0, "CPU Temp")
	hdr := Header{RecordID: 1, Version: 0x51, Type: TypeFullSensor, Length: uint8(len(body))}

	f, err := parseFullSensor(hdr, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.OwnerID != 0x20 {
		t.Errorf("owner id: got 0x%02x, want 0x20", f.OwnerID)
	}
	if f.SensorNumber != 0x05 {
		t.Errorf("sensor number: got %d, want 5", f.SensorNumber)
	}
	if f.SensorType != 0x01 {
		t.Errorf("sensor type: got %d, want 1", f.SensorType)
	}
	if f.M != 10 {
		t.Errorf("M: got %d, want 10", f.M)
	}
	if f.B != -40 {
		t.Errorf("B: got %d, want -40", f.B)
	}
	if f.IDString != "CPU Temp" {
		t.Errorf("id string: got %q, want %q", f.IDString, "CPU Temp")
	}
}

func TestParseFullSensorShortBodyErrors(t *testing.T) {
	_, err := parseFullSensor(Header{Type: TypeFullSensor}, make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for short body")
	}
}

func TestConvertReadingLinearIdentity(t *testing.T) {
	body := fullSensorBody(0x00, 1, 0, 0, 0, "")
	f, err := parseFullSensor(Header{Type: TypeFullSensor}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := f.ConvertReading(50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 50 {
		t.Fatalf("got %v, want 50", v)
	}
}

func TestConvertReadingWithExponents(t *testing.T) {
	// value = (raw*M + B*10^BExp) * 10^RExp = (10*5 + 0) * 10^-1 = 5
	body := fullSensorBody(0x00, 5, 0, -1, 0, "")
	f, err := parseFullSensor(Header{Type: TypeFullSensor}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := f.ConvertReading(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5 {
		t.Fatalf("got %v, want 5", v)
	}
}

func compactSensorBody(id string) []byte {
	body := make([]byte, 27+len(id))
	body[0] = 0x22 // owner id (unshifted, IPMI slave address)
	body[2] = 0x08 // sensor number
	body[3] = 0x23 // entity id
	body[7] = 0x02 // sensor type
	body[8] = 0x6F // discrete event/reading type
	body[26] = uint8(len(id)) & 0x1F
	copy(body[27:], id)
	return body
}

func TestParseCompactSensorFields(t *testing.T) {
	body := compactSensorBody("Fan1")
	c, err := parseCompactSensor(Header{Type: TypeCompactSensor}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.OwnerID != 0x22 {
		t.Errorf("owner id: got 0x%02x, want 0x22", c.OwnerID)
	}
	if c.SensorNumber != 0x08 {
		t.Errorf("sensor number: got %d, want 8", c.SensorNumber)
	}
	if c.IDString != "Fan1" {
		t.Errorf("id string: got %q, want %q", c.IDString, "Fan1")
	}
}

func TestParseCompactSensorShortBodyErrors(t *testing.T) {
	_, err := parseCompactSensor(Header{Type: TypeCompactSensor}, make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for short body")
	}
}

func eventOnlyBody(id string) []byte {
	body := make([]byte, 12+len(id))
	body[0] = 0x24 // owner id (unshifted, IPMI slave address)
	body[2] = 0x0C // sensor number
	body[3] = 0x07 // entity id
	body[5] = 0x03 // sensor type
	body[6] = 0x6F // event/reading type
	body[11] = uint8(len(id)) & 0x1F
	copy(body[12:], id)
	return body
}

func TestParseEventOnlySensorFields(t *testing.T) {
	body := eventOnlyBody("PSU1")
	e, err := parseEventOnlySensor(Header{Type: TypeEventOnlySensor}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.OwnerID != 0x24 {
		t.Errorf("owner id: got 0x%02x, want 0x24", e.OwnerID)
	}
	if e.SensorNumber != 0x0C {
		t.Errorf("sensor number: got %d, want 12", e.SensorNumber)
	}
	if e.IDString != "PSU1" {
		t.Errorf("id string: got %q, want %q", e.IDString, "PSU1")
	}
}

func TestSignExtendNegative(t *testing.T) {
	// 10-bit value 0x3FF (all ones) sign-extends to -1.
	v := signExtend(0x3FF, 10)
	if v != -1 {
		t.Fatalf("got %d, want -1", v)
	}
}

func TestPow10(t *testing.T) {
	if pow10(2) != 100 {
		t.Errorf("pow10(2): got %v, want 100", pow10(2))
	}
	if pow10(-1) != 0.1 {
		t.Errorf("pow10(-1): got %v, want 0.1", pow10(-1))
	}
	if pow10(0) != 1 {
		t.Errorf("pow10(0): got %v, want 1", pow10(0))
	}
}
