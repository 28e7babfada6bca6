package ipmi

import (
	"encoding/binary"
	"fmt"
)

// openSessionRequest is the RMCP+ Open Session Request payload (IPMI 2.0
// §13.17). It proposes exactly one algorithm per category, since this
// module only ever negotiates cipher suite 3 or 17.
type openSessionRequest struct {
	MessageTag      byte
	Privilege       byte
	SessionID       uint32 // console-chosen
	Suite           CipherSuite
}

func (r openSessionRequest) marshal() []byte {
	b := make([]byte, 0, 32)
	b = append(b, r.MessageTag, r.Privilege, 0, 0)
	sid := make([]byte, 4)
	binary.LittleEndian.PutUint32(sid, r.SessionID)
	b = append(b, sid...)

	// Each algorithm-proposal block: type(1) | reserved(2) |
	// payloadLen 0x08(1) | algorithm(1) | reserved(3).
	appendBlock := func(typ, alg byte) {
		b = append(b, typ, 0, 0, 0x08, alg, 0, 0, 0)
	}
	appendBlock(0x00, r.Suite.Auth)
	appendBlock(0x01, r.Suite.Integrity)
	appendBlock(0x02, r.Suite.Confidentiality)
	return b
}

type openSessionResponse struct {
	MessageTag   byte
	Status       byte
	Privilege    byte
	RemoteSID    uint32
	Auth         byte
	Integrity    byte
	Confidentiality byte
}

func parseOpenSessionResponse(b []byte) (*openSessionResponse, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("ipmi: short open session response")
	}
	r := &openSessionResponse{
		MessageTag: b[0],
		Status:     b[1],
		Privilege:  b[2],
	}
	if r.Status != 0 {
		return r, nil
	}
	r.RemoteSID = binary.LittleEndian.Uint32(b[4:8])
	off := 8
	// three 8-byte blocks: auth, integrity, confidentiality
	if len(b) < off+24 {
		return nil, fmt.Errorf("ipmi: short open session response algorithms")
	}
	r.Auth = b[off+4]
	r.Integrity = b[off+8+4]
	r.Confidentiality = b[off+16+4]
	return r, nil
}

// rakp1 is the console->BMC message proposing a random number and
// identity.
type rakp1 struct {
	MessageTag    byte
	ManagedSID    uint32
	ConsoleRand   []byte // 16 bytes
	Privilege     byte
	NameOnly      bool
	Username      string
}

func (r rakp1) marshal() []byte {
	b := make([]byte, 0, 28+len(r.Username))
	b = append(b, r.MessageTag, 0, 0, 0)
	sid := make([]byte, 4)
	binary.LittleEndian.PutUint32(sid, r.ManagedSID)
	b = append(b, sid...)
	b = append(b, r.ConsoleRand...)
	rolePriv := r.Privilege
	if r.NameOnly {
		rolePriv |= 0x10
	}
	b = append(b, rolePriv, 0, 0, byte(len(r.Username)))
	b = append(b, []byte(r.Username)...)
	return b
}

type rakp2 struct {
	MessageTag  byte
	Status      byte
	ConsoleSID  uint32
	BMCRand     []byte // 16 bytes
	BMCGUID     [16]byte
	AuthCode    []byte
}

func parseRAKP2(b []byte) (*rakp2, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("ipmi: short RAKP2")
	}
	r := &rakp2{MessageTag: b[0], Status: b[1]}
	r.ConsoleSID = binary.LittleEndian.Uint32(b[4:8])
	if r.Status != 0 {
		return r, nil
	}
	if len(b) < 8+16+16 {
		return nil, fmt.Errorf("ipmi: short RAKP2 body")
	}
	r.BMCRand = append([]byte{}, b[8:24]...)
	copy(r.BMCGUID[:], b[24:40])
	r.AuthCode = append([]byte{}, b[40:]...)
	return r, nil
}

// rakp2ExpectedAuthCode recomputes the HMAC RAKP2 is expected to carry:
// HMAC(password, Csid || Msid || Rm || Rc || GUID || role|priv || ulen ||
// username), spec §4.C.
func rakp2ExpectedAuthCode(suiteID uint8, password []byte, consoleSID, managedSID uint32, consoleRand, bmcRand []byte, guid [16]byte, rolePriv byte, username string) []byte {
	data := make([]byte, 0, 4+4+16+16+16+2+len(username))
	data = appendU32LE(data, consoleSID)
	data = appendU32LE(data, managedSID)
	data = append(data, consoleRand...)
	data = append(data, bmcRand...)
	data = append(data, guid[:]...)
	data = append(data, rolePriv, byte(len(username)))
	data = append(data, []byte(username)...)
	return hmacSum(suiteID, password, data)
}

func appendU32LE(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}

// rakp3 is the console's confirmation message carrying an auth code over
// (Rc, Csid, role|priv, ulen, username).
type rakp3 struct {
	MessageTag byte
	Status     byte
	ManagedSID uint32
	AuthCode   []byte
}

func (r rakp3) marshal() []byte {
	b := make([]byte, 0, 8+len(r.AuthCode))
	b = append(b, r.MessageTag, r.Status, 0, 0)
	b = appendU32LE(b, r.ManagedSID)
	b = append(b, r.AuthCode...)
	return b
}

func rakp3AuthCode(suiteID uint8, password []byte, bmcRand []byte, consoleSID uint32, rolePriv byte, username string) []byte {
	data := make([]byte, 0, 16+4+2+len(username))
	data = append(data, bmcRand...)
	data = appendU32LE(data, consoleSID)
	data = append(data, rolePriv, byte(len(username)))
	data = append(data, []byte(username)...)
	return hmacSum(suiteID, password, data)
}

type rakp4 struct {
	MessageTag byte
	Status     byte
	ConsoleSID uint32
	ICV        []byte
}

func parseRAKP4(b []byte) (*rakp4, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("ipmi: short RAKP4")
	}
	r := &rakp4{MessageTag: b[0], Status: b[1]}
	r.ConsoleSID = binary.LittleEndian.Uint32(b[4:8])
	if r.Status != 0 {
		return r, nil
	}
	r.ICV = append([]byte{}, b[8:]...)
	return r, nil
}

// rakp4ExpectedICV recomputes the integrity check value RAKP4 must
// carry: HMAC(SIK, Rm || Msid || GUID) truncated to the integrity
// length, spec §4.C.
func rakp4ExpectedICV(suiteID uint8, sik []byte, consoleRand []byte, managedSID uint32, guid [16]byte) []byte {
	data := make([]byte, 0, 16+4+16)
	data = append(data, consoleRand...)
	data = appendU32LE(data, managedSID)
	data = append(data, guid[:]...)
	return truncatedHMAC(suiteID, sik, data)
}
