package ipmi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

// newMD5 returns a fresh MD5 hasher, used only by the IPMI 1.5
// authcode fallback path (spec SPEC_FULL §4); 2.0 sessions never touch
// MD5.
func newMD5() hash.Hash { return md5.New() }

// checksum computes the IPMI two's-complement 8-bit checksum over b: the
// value that, added to the sum of b, yields zero mod 256.
func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return byte(-int8(sum))
}

// aesPad appends 0x01, 0x02, ... N followed by the pad length N, such
// that len(payload)+N+1 is a multiple of 16 (spec §4.A).
func aesPad(payload []byte) []byte {
	total := len(payload) + 1
	padLen := 0
	if total%16 != 0 {
		padLen = 16 - (total % 16)
	}
	out := make([]byte, len(payload)+padLen+1)
	copy(out, payload)
	for i := 0; i < padLen; i++ {
		out[len(payload)+i] = byte(i + 1)
	}
	out[len(out)-1] = byte(padLen)
	return out
}

// stripAESPad validates and removes the pad applied by aesPad.
func stripAESPad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("ipmi: empty AES payload")
	}
	padLen := int(b[len(b)-1])
	if padLen+1 > len(b) {
		return nil, fmt.Errorf("ipmi: invalid AES pad length %d", padLen)
	}
	payload := b[:len(b)-padLen-1]
	for i := 0; i < padLen; i++ {
		if b[len(payload)+i] != byte(i+1) {
			return nil, fmt.Errorf("ipmi: corrupt AES pad at byte %d", i)
		}
	}
	return payload, nil
}

// hmacSum computes HMAC over data with key, using SHA-1 or SHA-256
// depending on the negotiated cipher suite.
func hmacSum(suiteID uint8, key, data []byte) []byte {
	if suiteID == CipherSuite17.ID {
		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		return mac.Sum(nil)
	}
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// integrityLen returns the truncated HMAC length used on the wire: 12
// bytes for HMAC-SHA1-96, 16 for HMAC-SHA256-128 (spec §3).
func integrityLen(suiteID uint8) int {
	if suiteID == CipherSuite17.ID {
		return 16
	}
	return 12
}

// truncatedHMAC computes the wire integrity trailer: HMAC(key, data)
// truncated to integrityLen(suiteID) bytes.
func truncatedHMAC(suiteID uint8, key, data []byte) []byte {
	full := hmacSum(suiteID, key, data)
	n := integrityLen(suiteID)
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}

// generateSIK derives the Session Integrity Key: HMAC(Kg, Rm || Rc ||
// role|priv || ulen || username) (spec §4.C).
func generateSIK(suiteID uint8, kg, consoleRand, bmcRand []byte, rolePriv byte, username string) []byte {
	data := make([]byte, 0, len(consoleRand)+len(bmcRand)+2+len(username))
	data = append(data, consoleRand...)
	data = append(data, bmcRand...)
	data = append(data, rolePriv, byte(len(username)))
	data = append(data, []byte(username)...)
	return hmacSum(suiteID, kg, data)
}

// generateK1 / generateK2 derive the integrity and confidentiality keys
// from SIK, per spec §4.C.
func generateK1(suiteID uint8, sik []byte) []byte {
	pad := make([]byte, 20)
	for i := range pad {
		pad[i] = 0x01
	}
	return hmacSum(suiteID, sik, pad)
}

func generateK2(suiteID uint8, sik []byte) []byte {
	pad := make([]byte, 20)
	for i := range pad {
		pad[i] = 0x02
	}
	return hmacSum(suiteID, sik, pad)
}

// encryptAESCBC128 prepends a fresh random 16-byte IV to AES-CBC-128
// ciphertext of aesPad(payload), per spec §4.A/§4.B.
func encryptAESCBC128(key, payload []byte) ([]byte, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("ipmi: AES key too short")
	}
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	padded := aesPad(payload)
	out := make([]byte, len(iv)+len(padded))
	copy(out, iv)
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[len(iv):], padded)
	return out, nil
}

// decryptAESCBC128 reverses encryptAESCBC128.
func decryptAESCBC128(key, data []byte) ([]byte, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("ipmi: AES key too short")
	}
	if len(data) < aes.BlockSize || (len(data)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ipmi: malformed encrypted payload")
	}
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	iv := data[:aes.BlockSize]
	ct := data[aes.BlockSize:]
	plain := make([]byte, len(ct))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plain, ct)
	return stripAESPad(plain)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
