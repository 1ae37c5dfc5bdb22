package iso7816

import (
	"errors"
	"fmt"
)

// Status is an ISO7816 status word (SW1‖SW2).
type Status uint16

const (
	StatusOK                     Status = 0x9000
	StatusBytesRemaining         Status = 0x6100
	StatusVerifyFailed           Status = 0x63C0
	StatusMemoryFailure          Status = 0x6581
	StatusWrongLength            Status = 0x6700
	StatusSecurityNotSatisfied   Status = 0x6982
	StatusAuthMethodBlocked      Status = 0x6983
	StatusConditionsNotSatisfied Status = 0x6985
	StatusCommandNotAllowed      Status = 0x6986
	StatusWrongData              Status = 0x6A80
	StatusFileNotFound           Status = 0x6A82
	StatusNotEnoughMemory        Status = 0x6A84
	StatusIncorrectP1P2          Status = 0x6A86
	StatusReferencedDataNotFound Status = 0x6A88
	StatusInsNotSupported        Status = 0x6D00
	StatusClaNotSupported        Status = 0x6E00
	StatusUnknown                Status = 0x6F00
)

var (
	ErrUnknownReason          = errors.New("unknown reason")
	ErrMemoryFailure          = errors.New("the memory write failed")
	ErrSecurityNotSatisfied   = errors.New("the security status is not satisfied")
	ErrAuthMethodBlocked      = errors.New("the authentication method is blocked")
	ErrConditionsNotSatisfied = errors.New("the conditions of use are not satisfied")
	ErrCommandNotAllowed      = errors.New("the command is not allowed")
	ErrWrongData              = errors.New("the data field is invalid")
	ErrFileNotFound           = errors.New("the file or application was not found")
	ErrNotEnoughMemory        = errors.New("there is not enough memory")
	ErrIncorrectP1P2          = errors.New("the parameters are incorrect")
	ErrReferencedDataNotFound = errors.New("the referenced data was not found")
	ErrInsNotSupported        = errors.New("the instruction of the request is not supported")
	ErrCLANotSupported        = errors.New("the class byte of the request is not supported")
)

var errorMessages = map[Status]error{
	StatusMemoryFailure:          ErrMemoryFailure,
	StatusWrongLength:            ErrWrongLength,
	StatusSecurityNotSatisfied:   ErrSecurityNotSatisfied,
	StatusAuthMethodBlocked:      ErrAuthMethodBlocked,
	StatusConditionsNotSatisfied: ErrConditionsNotSatisfied,
	StatusCommandNotAllowed:      ErrCommandNotAllowed,
	StatusWrongData:              ErrWrongData,
	StatusFileNotFound:           ErrFileNotFound,
	StatusNotEnoughMemory:        ErrNotEnoughMemory,
	StatusIncorrectP1P2:          ErrIncorrectP1P2,
	StatusReferencedDataNotFound: ErrReferencedDataNotFound,
	StatusInsNotSupported:        ErrInsNotSupported,
	StatusClaNotSupported:        ErrCLANotSupported,
}

// RetriesRemaining returns the 63Cx status reporting n verification
// attempts left.
func RetriesRemaining(n int) Status {
	if n < 0 {
		n = 0
	}
	if n > 0x0F {
		n = 0x0F
	}
	return StatusVerifyFailed | Status(n)
}

// BytesRemaining returns the 61xx status announcing n more response bytes.
func BytesRemaining(n int) Status {
	if n >= MaxShortResponse {
		n = 0
	}
	return StatusBytesRemaining | Status(n)
}

func (s Status) SW1() byte { return byte(s >> 8) }
func (s Status) SW2() byte { return byte(s) }

// OK reports whether s is 9000.
func (s Status) OK() bool { return s == StatusOK }

// Retries returns the retry count of a 63Cx status.
func (s Status) Retries() (int, bool) {
	if s&0xFFF0 != StatusVerifyFailed {
		return 0, false
	}
	return int(s & 0x0F), true
}

// MoreData returns the announced length of a 61xx status. A zero length
// means 256 bytes.
func (s Status) MoreData() (int, bool) {
	if s.SW1() != StatusBytesRemaining.SW1() {
		return 0, false
	}
	if s.SW2() == 0 {
		return MaxShortResponse, true
	}
	return int(s.SW2()), true
}

func (s Status) String() string {
	return fmt.Sprintf("%04X", uint16(s))
}

// A StatusError reports a response APDU that did not complete with 9000.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	if n, ok := e.Status.Retries(); ok {
		return fmt.Sprintf("iso7816: verification failed, %d retries remaining", n)
	}
	msg := ErrUnknownReason
	if m, ok := errorMessages[e.Status]; ok {
		msg = m
	}
	return fmt.Sprintf("iso7816: unexpected status %s: %s", e.Status, msg)
}

// Unwrap returns the sentinel error for the status word, if any.
func (e *StatusError) Unwrap() error {
	return errorMessages[e.Status]
}

// Err returns nil for 9000 and a *StatusError otherwise.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &StatusError{Status: s}
}
