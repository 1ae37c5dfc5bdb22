package ctap2

import "fmt"

// Status is the leading byte of every CTAP2 response.
type Status byte

const (
	StatusSuccess              Status = 0x00
	StatusInvalidCommand       Status = 0x01
	StatusInvalidParameter     Status = 0x02
	StatusInvalidLength        Status = 0x03
	StatusInvalidSeq           Status = 0x04
	StatusTimeout              Status = 0x05
	StatusChannelBusy          Status = 0x06
	StatusLockRequired         Status = 0x0A
	StatusInvalidChannel       Status = 0x0B
	StatusCBORUnexpectedType   Status = 0x11
	StatusInvalidCBOR          Status = 0x12
	StatusMissingParameter     Status = 0x14
	StatusLimitExceeded        Status = 0x15
	StatusUnsupportedExtension Status = 0x16
	StatusCredentialExcluded   Status = 0x19
	StatusProcessing           Status = 0x21
	StatusInvalidCredential    Status = 0x22
	StatusUnsupportedAlgorithm Status = 0x26
	StatusOperationDenied      Status = 0x27
	StatusKeyStoreFull         Status = 0x28
	StatusUnsupportedOption    Status = 0x2B
	StatusInvalidOption        Status = 0x2C
	StatusKeepaliveCancel      Status = 0x2D
	StatusNoCredentials        Status = 0x2E
	StatusUserActionTimeout    Status = 0x2F
	StatusNotAllowed           Status = 0x30
	StatusPINInvalid           Status = 0x31
	StatusPINBlocked           Status = 0x32
	StatusPINRequired          Status = 0x36
	StatusRequestTooLarge      Status = 0x39
	StatusUPRequired           Status = 0x3B
	StatusOther                Status = 0x7F
)

// CTAP2 error status from https://fidoalliance.org/specs/fido-v2.0-ps-20190130/fido-client-to-authenticator-protocol-v2.0-ps-20190130.html#error-responses
var statusNames = map[Status]string{
	0x00: "CTAP2_OK",
	0x01: "CTAP1_ERR_INVALID_COMMAND",
	0x02: "CTAP1_ERR_INVALID_PARAMETER",
	0x03: "CTAP1_ERR_INVALID_LENGTH",
	0x04: "CTAP1_ERR_INVALID_SEQ",
	0x05: "CTAP1_ERR_TIMEOUT",
	0x06: "CTAP1_ERR_CHANNEL_BUSY",
	0x0A: "CTAP1_ERR_LOCK_REQUIRED",
	0x0B: "CTAP1_ERR_INVALID_CHANNEL",
	0x11: "CTAP2_ERR_CBOR_UNEXPECTED_TYPE",
	0x12: "CTAP2_ERR_INVALID_CBOR",
	0x14: "CTAP2_ERR_MISSING_PARAMETER",
	0x15: "CTAP2_ERR_LIMIT_EXCEEDED",
	0x16: "CTAP2_ERR_UNSUPPORTED_EXTENSION",
	0x19: "CTAP2_ERR_CREDENTIAL_EXCLUDED",
	0x21: "CTAP2_ERR_PROCESSING",
	0x22: "CTAP2_ERR_INVALID_CREDENTIAL",
	0x23: "CTAP2_ERR_USER_ACTION_PENDING",
	0x24: "CTAP2_ERR_OPERATION_PENDING",
	0x25: "CTAP2_ERR_NO_OPERATIONS",
	0x26: "CTAP2_ERR_UNSUPPORTED_ALGORITHM",
	0x27: "CTAP2_ERR_OPERATION_DENIED",
	0x28: "CTAP2_ERR_KEY_STORE_FULL",
	0x2A: "CTAP2_ERR_NO_OPERATION_PENDING",
	0x2B: "CTAP2_ERR_UNSUPPORTED_OPTION",
	0x2C: "CTAP2_ERR_INVALID_OPTION",
	0x2D: "CTAP2_ERR_KEEPALIVE_CANCEL",
	0x2E: "CTAP2_ERR_NO_CREDENTIALS",
	0x2F: "CTAP2_ERR_USER_ACTION_TIMEOUT",
	0x30: "CTAP2_ERR_NOT_ALLOWED",
	0x31: "CTAP2_ERR_PIN_INVALID",
	0x32: "CTAP2_ERR_PIN_BLOCKED",
	0x33: "CTAP2_ERR_PIN_AUTH_INVALID",
	0x34: "CTAP2_ERR_PIN_AUTH_BLOCKED",
	0x35: "CTAP2_ERR_PIN_NOT_SET",
	0x36: "CTAP2_ERR_PIN_REQUIRED",
	0x37: "CTAP2_ERR_PIN_POLICY_VIOLATION",
	0x38: "CTAP2_ERR_PIN_TOKEN_EXPIRED",
	0x39: "CTAP2_ERR_REQUEST_TOO_LARGE",
	0x3A: "CTAP2_ERR_ACTION_TIMEOUT",
	0x3B: "CTAP2_ERR_UP_REQUIRED",
	0x7F: "CTAP1_ERR_OTHER",
	0xDF: "CTAP2_ERR_SPEC_LAST",
	0xE0: "CTAP2_ERR_EXTENSION_FIRST",
	0xEF: "CTAP2_ERR_EXTENSION_LAST",
	0xF0: "CTAP2_ERR_VENDOR_FIRST",
	0xFF: "CTAP2_ERR_VENDOR_LAST",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown error %x", byte(s))
}

// A StatusError is a non-zero CTAP2 status returned by an authenticator.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ctap2: CBOR error: %s", e.Status)
}

// Err returns nil for StatusSuccess and a *StatusError otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}
