// Package fault classifies token errors and tracks them, switching the
// device into safe mode after a critical failure.
package fault

import (
	"context"
	"errors"
	"fmt"
)

type Category int

const (
	CategoryNone Category = iota
	CategoryTransport
	CategoryProtocol
	CategoryCrypto
	CategoryStorage
	CategoryTimeout
	CategoryResource
	CategorySystem
)

var categoryNames = []string{"none", "transport", "protocol", "crypto", "storage", "timeout", "resource", "system"}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category<%d>", int(c))
	}
	return categoryNames[c]
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity<%d>", int(s))
}

// Code identifies a failure. The high nibble is its Category.
type Code uint16

const (
	TransportEnumerationFailed Code = 0x1001
	TransportEndpointError     Code = 0x1003
	TransportReconnectFailed   Code = 0x1005

	ProtocolInvalidCommand  Code = 0x2001
	ProtocolMalformedPacket Code = 0x2002
	ProtocolSequenceError   Code = 0x2004
	ProtocolBufferOverflow  Code = 0x2005

	CryptoKeyGeneration Code = 0x3001
	CryptoSignatureFail Code = 0x3002
	CryptoRNGFailure    Code = 0x3004
	CryptoInvalidKey    Code = 0x3005
	CryptoFailure       Code = 0x3006

	StorageWriteFailed Code = 0x4001
	StorageReadFailed  Code = 0x4002
	StorageCorruption  Code = 0x4003
	StorageFull        Code = 0x4004
	StorageFlashError  Code = 0x4005

	TimeoutUserPresence Code = 0x5001
	TimeoutProtocol     Code = 0x5002
	TimeoutTransport    Code = 0x5003
	TimeoutCrypto       Code = 0x5004

	ResourceExhausted Code = 0x6004

	SystemInitialization Code = 0x7001
	SystemCriticalFail   Code = 0x7003
)

func (c Code) Category() Category {
	cat := Category(c >> 12)
	if cat > CategorySystem {
		return CategoryNone
	}
	return cat
}

func (c Code) String() string {
	return fmt.Sprintf("0x%04X", uint16(c))
}

// Error is a classified failure of operation Op.
type Error struct {
	Code     Code
	Category Category
	Severity Severity
	Op       string
	Err      error
}

// New returns an Error whose category is derived from code.
func New(code Code, sev Severity, op string, err error) *Error {
	return &Error{Code: code, Category: code.Category(), Severity: sev, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fault: %s: %s %s", e.Op, e.Category, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the fault attached to err. Context deadlines map to
// timeouts; anything else unclassified is a system error.
func Classify(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(TimeoutProtocol, SeverityWarning, "", err)
	}
	return &Error{Category: CategorySystem, Severity: SeverityError, Err: err}
}
