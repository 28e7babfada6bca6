package ipmi

import "testing"

func TestChecksum(t *testing.T) {
	b := []byte{0x20, 0x18}
	sum := checksum(b)
	total := byte(0)
	for _, c := range b {
		total += c
	}
	total += sum
	if total != 0 {
		t.Fatalf("checksum did not zero the sum: got total %d", total)
	}
}

func TestAESPadRoundTrip(t *testing.T) {
	for n := 0; n < 40; n++ {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		padded := aesPad(payload)
		if len(padded)%16 != 0 {
			t.Fatalf("len %d not a multiple of 16 for payload len %d", len(padded), n)
		}
		got, err := stripAESPad(padded)
		if err != nil {
			t.Fatalf("stripAESPad: %v", err)
		}
		if !bufEqual(got, payload) {
			t.Fatalf("roundtrip mismatch for len %d", n)
		}
	}
}

func TestAESCBCRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i + 1)
	}
	payload := []byte("serial console data over the wire")
	enc, err := encryptAESCBC128(key, payload)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := decryptAESCBC128(key, enc)
	if err != nil {
		t.Fatal(err)
	}
	if string(dec) != string(payload) {
		t.Fatalf("got %q want %q", dec, payload)
	}
}

func TestSIKDerivationDeterministic(t *testing.T) {
	kg := []byte("password")
	cr := make([]byte, 16)
	br := make([]byte, 16)
	for i := range cr {
		cr[i] = byte(i)
		br[i] = byte(16 - i)
	}
	sik1 := generateSIK(CipherSuite3.ID, kg, cr, br, PrivAdmin, "admin")
	sik2 := generateSIK(CipherSuite3.ID, kg, cr, br, PrivAdmin, "admin")
	if !bufEqual(sik1, sik2) {
		t.Fatal("SIK derivation is not deterministic")
	}
	k1 := generateK1(CipherSuite3.ID, sik1)
	k2 := generateK2(CipherSuite3.ID, sik1)
	if bufEqual(k1, k2) {
		t.Fatal("K1 and K2 must differ")
	}
	if len(k1) != 20 || len(k2) != 20 {
		t.Fatalf("HMAC-SHA1 output should be 20 bytes, got %d/%d", len(k1), len(k2))
	}
}

func TestIntegrityLenBySuite(t *testing.T) {
	if integrityLen(CipherSuite3.ID) != 12 {
		t.Fatal("suite 3 should truncate to 12 bytes")
	}
	if integrityLen(CipherSuite17.ID) != 16 {
		t.Fatal("suite 17 should truncate to 16 bytes")
	}
}
