package ipmi

// Network functions used by the session layer itself. Command dispatch
// above raw_command is out of scope (spec §1); these are the ones the
// session/login/keepalive machinery issues on its own behalf.
const (
	NetFnApp       = 0x06
	NetFnAppResp   = 0x07
	NetFnTransport = 0x0C
	NetFnStorage   = 0x0A
	NetFnStorResp  = 0x0B
)

const (
	CmdGetChannelAuthCapabilities = 0x38
	CmdGetSessionChallenge        = 0x39
	CmdActivateSession            = 0x3A
	CmdSetSessionPrivilegeLevel   = 0x3B
	CmdCloseSession               = 0x3C
	CmdGetDeviceID                = 0x01
	CmdGetChannelCipherSuites     = 0x54
	CmdActivatePayload            = 0x48
	CmdDeactivatePayload          = 0x49
	CmdGetPayloadActivationStatus = 0x4A
	CmdSendMessage                = 0x34
)

const (
	AddrBMC     = 0x20
	AddrRemote  = 0x81
	BroadcastRs = 0x20
)

// Privilege levels, IPMI table 22-15.
const (
	PrivCallback = 1
	PrivUser     = 2
	PrivOperator = 3
	PrivAdmin    = 4
)

// RMCP+ authentication, integrity and confidentiality algorithm ids
// (IPMI v2.0 table 13-17..13-19). Only cipher suites 3 (SHA-1) and 17
// (SHA-256) are implemented, per spec Non-goals.
const (
	AuthRAKPNone       = 0x00
	AuthRAKPHMACSHA1   = 0x01
	AuthRAKPHMACMD5    = 0x02
	AuthRAKPHMACSHA256 = 0x03

	IntegrityNone        = 0x00
	IntegrityHMACSHA196  = 0x01
	IntegrityHMACSHA256  = 0x03

	ConfNone       = 0x00
	ConfAESCBC128  = 0x01
)

// CipherSuite names the (auth, integrity, confidentiality) triple
// negotiated during Open Session. See spec GLOSSARY "Cipher suite".
type CipherSuite struct {
	ID            uint8
	Auth          uint8
	Integrity     uint8
	Confidentiality uint8
}

var (
	CipherSuite3  = CipherSuite{ID: 3, Auth: AuthRAKPHMACSHA1, Integrity: IntegrityHMACSHA196, Confidentiality: ConfAESCBC128}
	CipherSuite17 = CipherSuite{ID: 17, Auth: AuthRAKPHMACSHA256, Integrity: IntegrityHMACSHA256, Confidentiality: ConfAESCBC128}
)

// legacyPadLengths are the IPMI 1.5 total-packet lengths that require a
// trailing pad byte. Spec §9 calls this list empirical and says to
// preserve it verbatim rather than derive it.
var legacyPadLengths = map[int]bool{
	56:  true,
	84:  true,
	112: true,
	128: true,
	156: true,
}

// payloadType is the low 6 bits of the 2.0 session header's second byte;
// bits 6/7 carry the integrity/confidentiality flags and are handled
// separately in rmcp.go.
type payloadType uint8

const (
	PayloadIPMI         payloadType = 0x00
	PayloadSOL          payloadType = 0x01
	PayloadOEM          payloadType = 0x02
	PayloadRMCPOpenReq  payloadType = 0x10
	PayloadRMCPOpenRes  payloadType = 0x11
	PayloadRAKP1        payloadType = 0x12
	PayloadRAKP2        payloadType = 0x13
	PayloadRAKP3        payloadType = 0x14
	PayloadRAKP4        payloadType = 0x15
)

const (
	payloadEncryptedBit   = 0x80
	payloadAuthenticated  = 0x40
	payloadTypeMask       = 0x3F
)

// authType is the IPMI 1.5 session authentication type, or 0x06
// ("RMCP+") signalling a 2.0-format session header.
type authType uint8

const (
	AuthTypeNone     authType = 0x00
	AuthTypeMD2      authType = 0x01
	AuthTypeMD5      authType = 0x02
	AuthTypePassword authType = 0x04
	AuthTypeOEM      authType = 0x05
	AuthTypeRMCPPlus authType = 0x06
)

const (
	rmcpClassASF  = 0x06
	rmcpClassIPMI = 0x07
	asfTypePing   = 0x80
	asfTypePong   = 0x40
	asfIANA       = 4542
)

// MaxBMCsPerSocket bounds how many sessions a Reactor will multiplex on a
// single UDP socket, per spec §5.
const MaxBMCsPerSocket = 64
