package ipmi

import "fmt"

// Result is the tagged response value called for in spec §9: a single
// uniform type instead of an untyped {netfn, command, code, data, error?}
// bag, grounded on k-sone-ipmigo's response/CommandError split.
type Result struct {
	NetFn   uint8
	Command uint8
	Code    uint8
	Data    []byte
	Err     error
}

func (r Result) Failed() bool { return r.Err != nil }

// CommandError wraps a non-zero IPMI completion code.
type CommandError struct {
	Command uint8
	Code    uint8
}

func (e *CommandError) Error() string {
	if msg, ok := completionCodes[e.Code]; ok {
		return fmt.Sprintf("command 0x%02x failed: %s (0x%02x)", e.Command, msg, e.Code)
	}
	return fmt.Sprintf("command 0x%02x failed: completion code 0x%02x", e.Command, e.Code)
}

// ProtocolError surfaces one of the fixed strings spec §6/§7 call out by
// name (auth failure, timeout, SOL refusal, ...).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

var (
	ErrSessionDisconnected = &ProtocolError{"Session no longer connected"}
	ErrTimeout             = &ProtocolError{"timeout"}
	ErrIncorrectPassword   = &ProtocolError{"Incorrect password provided"}
	ErrBadRAKP4            = &ProtocolError{"Invalid RAKP4 integrity code (wrong Kg?)"}
	ErrMD5Unavailable      = &ProtocolError{"MD5 required but not enabled/available on target BMC"}
	ErrSOLDisabled         = &ProtocolError{"SOL is disabled"}
	ErrSOLMaxSessions      = &ProtocolError{"Maximum SOL session count reached"}
	ErrSOLNeedsEncryption  = &ProtocolError{"Cannot activate payload without encryption"}
	ErrSOLNoEncryption     = &ProtocolError{"Cannot activate payload with encryption"}
	ErrSOLBusy             = &ProtocolError{"SOL Session active for another client"}
	ErrRemoteDisconnected  = &ProtocolError{"Remote IPMI console disconnected"}
)

// TimeoutCode is the sentinel Code value accompanying ErrTimeout, per
// spec §6 ("{error: 'timeout', code: 0xFFFF}").
const TimeoutCode = 0xFFFF

const (
	CompletionOK                          = 0x00
	CompletionNodeBusy                    = 0xC0
	CompletionInvalidCommand               = 0xC1
	CompletionTimeout                      = 0xC3
	CompletionOutOfSpace                   = 0xC4
	CompletionReservationCancelled         = 0xC5
	CompletionRequestDataTruncated         = 0xC6
	CompletionRequestDataInvalid           = 0xC7
	CompletionRequestDataFieldExceeded     = 0xC8
	CompletionParamOutOfRange              = 0xC9
	CompletionCannotReturnRequestedBytes   = 0xCA
	CompletionRequestedDataNotPresent      = 0xCB
	CompletionUnexpectedField              = 0xCC
	CompletionCommandIllegal               = 0xCD
	CompletionCommandResponseNotProvided   = 0xCE
	CompletionCannotExecuteDuplicate       = 0xCF
	CompletionDestinationUnavailable       = 0xD3
	CompletionInsufficientPrivilege        = 0xD4
	CompletionNotSupportedPresentState     = 0xD5
	CompletionUnspecified                  = 0xFF
)

var completionCodes = map[uint8]string{
	CompletionOK:                        "command completed normally",
	CompletionNodeBusy:                  "node busy",
	CompletionInvalidCommand:            "invalid command",
	CompletionTimeout:                   "command timeout",
	CompletionOutOfSpace:                "out of space",
	CompletionReservationCancelled:      "reservation cancelled or invalid",
	CompletionRequestDataTruncated:      "request data truncated",
	CompletionRequestDataInvalid:        "request data invalid",
	CompletionRequestDataFieldExceeded:  "request data field length exceeded",
	CompletionParamOutOfRange:           "parameter out of range",
	CompletionCannotReturnRequestedBytes: "cannot return number of requested data bytes",
	CompletionRequestedDataNotPresent:   "requested sensor, data, or record not present",
	CompletionUnexpectedField:           "invalid data field in request",
	CompletionCommandIllegal:            "command illegal for specified sensor or record type",
	CompletionCommandResponseNotProvided: "command response could not be provided",
	CompletionCannotExecuteDuplicate:    "cannot execute duplicated request",
	CompletionDestinationUnavailable:    "destination unavailable",
	CompletionInsufficientPrivilege:     "insufficient privilege level",
	CompletionNotSupportedPresentState:  "command not supported in present state",
	CompletionUnspecified:               "unspecified error",
}

// rakpStatusCodes decodes the RMCP+ status byte carried in Open Session
// Response and RAKP2/RAKP4, table 13-16 of the IPMI 2.0 spec.
var rakpStatusCodes = map[uint8]string{
	0x00: "no errors",
	0x01: "insufficient resources to create a session",
	0x02: "invalid session ID",
	0x03: "invalid payload type",
	0x04: "invalid authentication algorithm",
	0x05: "invalid integrity algorithm",
	0x06: "no matching authentication payload",
	0x07: "no matching integrity payload",
	0x08: "inactive session id",
	0x09: "invalid role",
	0x0A: "unauthorized role or privilege level requested",
	0x0B: "insufficient resources to create a session at the requested role",
	0x0C: "invalid name length",
	0x0D: "unauthorized name",
	0x0E: "unauthorized GUID",
	0x0F: "invalid integrity check value",
	0x10: "invalid confidentiality algorithm",
	0x11: "no cipher suite match with proposed security algorithms",
	0x12: "illegal or unrecognized parameter",
}

func rakpStatusString(code uint8) string {
	if s, ok := rakpStatusCodes[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown RAKP status 0x%02x", code)
}
