package protocol

import "fmt"

// ErrorCode is a numeric XCP error code returned to the master inside a
// negative response (PID_ERR + code).
type ErrorCode uint8

const (
	ErrCmdSynch           ErrorCode = 0x00
	ErrCmdBusy            ErrorCode = 0x10
	ErrDaqActive          ErrorCode = 0x11
	ErrPgmActive          ErrorCode = 0x12
	ErrCmdUnknown         ErrorCode = 0x20
	ErrCmdSyntax          ErrorCode = 0x21
	ErrOutOfRange         ErrorCode = 0x22
	ErrWriteProtected     ErrorCode = 0x23
	ErrAccessDenied       ErrorCode = 0x24
	ErrAccessLocked       ErrorCode = 0x25
	ErrPageNotValid       ErrorCode = 0x26
	ErrModeNotValid       ErrorCode = 0x27
	ErrSegmentNotValid    ErrorCode = 0x28
	ErrSequence           ErrorCode = 0x29
	ErrDaqConfig          ErrorCode = 0x2A
	ErrMemoryOverflow     ErrorCode = 0x30
	ErrGeneric            ErrorCode = 0x31
	ErrVerify             ErrorCode = 0x32
	ErrResourceTempNA     ErrorCode = 0x33
	ErrSubcmdUnknown      ErrorCode = 0x34
)

var errorDescriptions = map[ErrorCode]string{
	ErrCmdSynch:        "command processor synchronization",
	ErrCmdBusy:         "command was not executed",
	ErrDaqActive:       "command rejected because DAQ is running",
	ErrPgmActive:       "command rejected because flash programming is active",
	ErrCmdUnknown:      "unknown command or not implemented",
	ErrCmdSyntax:       "command syntax invalid",
	ErrOutOfRange:      "command parameter(s) out of range",
	ErrWriteProtected:  "write access denied, write protected",
	ErrAccessDenied:    "access denied, insufficient privileges",
	ErrAccessLocked:    "access temporarily locked",
	ErrPageNotValid:    "selected page not valid",
	ErrModeNotValid:    "selected mode not valid",
	ErrSegmentNotValid: "selected segment not valid",
	ErrSequence:        "sequence error",
	ErrDaqConfig:       "DAQ configuration not valid",
	ErrMemoryOverflow:  "memory overflow",
	ErrGeneric:         "generic error",
	ErrVerify:          "in-range verification failed after programming",
	ErrResourceTempNA:  "resource temporarily not accessible",
	ErrSubcmdUnknown:   "unknown or unsupported sub-command",
}

func (e ErrorCode) Error() string {
	return fmt.Sprintf("x%02x: %s", uint8(e), e.Description())
}

func (e ErrorCode) Description() string {
	if d, ok := errorDescriptions[e]; ok {
		return d
	}
	return errorDescriptions[ErrGeneric]
}
