// Package ctap2 implements the authenticator side of the CTAP2 protocol:
// the request and response structures, authenticator data, and the
// command engine that drives user presence, credential creation and
// assertion signing.
package ctap2

import "fmt"

// Command is a CTAP2 authenticator command byte.
type Command byte

const (
	CmdMakeCredential   Command = 0x01
	CmdGetAssertion     Command = 0x02
	CmdGetInfo          Command = 0x04
	CmdClientPIN        Command = 0x06
	CmdReset            Command = 0x07
	CmdGetNextAssertion Command = 0x08
)

func (c Command) String() string {
	switch c {
	case CmdMakeCredential:
		return "MakeCredential"
	case CmdGetAssertion:
		return "GetAssertion"
	case CmdGetInfo:
		return "GetInfo"
	case CmdClientPIN:
		return "ClientPIN"
	case CmdReset:
		return "Reset"
	case CmdGetNextAssertion:
		return "GetNextAssertion"
	}
	return fmt.Sprintf("Command(%#x)", byte(c))
}

// MaxMessageSize is the largest CTAPHID message, and so the largest
// request or response the authenticator handles.
const MaxMessageSize = 7609

// Versions advertised by GetInfo.
var Versions = []string{"FIDO_2_0", "FIDO_2_1"}

type MakeCredentialRequest struct {
	ClientDataHash   ClientDataHash          `cbor:"1,keyasint"`
	RP               CredentialRpEntity      `cbor:"2,keyasint"`
	User             CredentialUserEntity    `cbor:"3,keyasint"`
	PubKeyCredParams []CredentialParam       `cbor:"4,keyasint"`
	ExcludeList      []CredentialDescriptor  `cbor:"5,keyasint,omitempty"`
	Extensions       AuthenticatorExtensions `cbor:"6,keyasint,omitempty"`
	Options          AuthenticatorOptions    `cbor:"7,keyasint,omitempty"`
	// PinUVAuth is the first 16 bytes of HMAC-SHA-256 of clientDataHash using
	// pinToken which platform got from the authenticator
	PinUVAuth []byte `cbor:"8,keyasint,omitempty"`
	// PinUVAuthProtocol is the PIN protocol version chosen by the client
	PinUVAuthProtocol PinUVAuthProtocolVersion `cbor:"9,keyasint,omitempty"`
}

// MakeCredentialResponse is the attestation object. Only the "none"
// format is produced, with an empty statement.
type MakeCredentialResponse struct {
	Fmt      string                 `cbor:"1,keyasint"`
	AuthData AuthData               `cbor:"2,keyasint"`
	AttSmt   map[string]interface{} `cbor:"3,keyasint"`
}

type GetAssertionRequest struct {
	RPID              string                   `cbor:"1,keyasint"`
	ClientDataHash    ClientDataHash           `cbor:"2,keyasint"`
	AllowList         []*CredentialDescriptor  `cbor:"3,keyasint,omitempty"`
	Extensions        AuthenticatorExtensions  `cbor:"4,keyasint,omitempty"`
	Options           AuthenticatorOptions     `cbor:"5,keyasint,omitempty"`
	PinUVAuth         []byte                   `cbor:"6,keyasint,omitempty"`
	PinUVAuthProtocol PinUVAuthProtocolVersion `cbor:"7,keyasint,omitempty"`
}

type GetAssertionResponse struct {
	Credential          *CredentialDescriptor `cbor:"1,keyasint,omitempty"`
	AuthData            AuthData              `cbor:"2,keyasint"`
	Signature           []byte                `cbor:"3,keyasint"`
	User                *CredentialUserEntity `cbor:"4,keyasint,omitempty"`
	NumberOfCredentials int                   `cbor:"5,keyasint,omitempty"`
	UserSelected        bool                  `cbor:"6,keyasint,omitempty"`
}

type GetInfoResponse struct {
	Versions    []string             `cbor:"1,keyasint"`
	Extensions  []string             `cbor:"2,keyasint"`
	AAGUID      []byte               `cbor:"3,keyasint"`
	Options     AuthenticatorOptions `cbor:"4,keyasint,omitempty"`
	MaxMsgSize  uint                 `cbor:"5,keyasint,omitempty"`
	PinProtocol []uint               `cbor:"6,keyasint,omitempty"`
}

// ClientDataHash is the hash of the ClientData contextual binding specified by host.
type ClientDataHash []byte

// CredentialRpEntity describes a Relying Party with which
// the new public key credential will be associated.
type CredentialRpEntity struct {
	// ID is a valid domain string that identifies the WebAuthn Relying Party.
	ID   string `cbor:"id,omitempty"`
	Name string `cbor:"name,omitempty"`
	Icon string `cbor:"icon,omitempty"`
}

// CredentialUserEntity describes the user account to which
// the new public key credential will be associated at the RP
type CredentialUserEntity struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	DisplayName string `cbor:"displayName,omitempty"`
	Icon        string `cbor:"icon,omitempty"`
}

type CredentialParam struct {
	Type CredentialType `cbor:"type"`
	Alg  Alg            `cbor:"alg"`
}

var (
	PublicKeyRS256 CredentialParam = CredentialParam{Type: PublicKey, Alg: RS256}
	PublicKeyPS256 CredentialParam = CredentialParam{Type: PublicKey, Alg: PS256}
	PublicKeyES256 CredentialParam = CredentialParam{Type: PublicKey, Alg: ES256}
)

// CredentialType defines the type of credential, as defined in https://www.w3.org/TR/webauthn/#credentialType
type CredentialType string

const (
	PublicKey CredentialType = "public-key"
)

// CredentialDescriptor defines a credential returned by the authenticator,
// as defined by https://www.w3.org/TR/webauthn/#credential-dictionary
type CredentialDescriptor struct {
	ID         []byte                   `cbor:"id"`
	Type       CredentialType           `cbor:"type"`
	Transports []AuthenticatorTransport `cbor:"transports,omitempty"`
}

// AuthenticatorTransport defines hints as to how clients might communicate with a particular authenticator,
// as defined by https://www.w3.org/TR/webauthn/#transport.
type AuthenticatorTransport string

const (
	// USB indicates the respective authenticator can be contacted over removable USB.
	USB AuthenticatorTransport = "usb"
	// NFC indicates the respective authenticator can be contacted over Near Field Communication (NFC).
	NFC AuthenticatorTransport = "nfc"
	// Internal indicates the respective authenticator is contacted using a client device-specific transport.
	Internal AuthenticatorTransport = "internal"
)

type AuthenticatorExtensions map[string]interface{}

type AuthenticatorOptions map[string]bool

// option returns the value of name, or def when it is absent.
func (o AuthenticatorOptions) option(name string, def bool) bool {
	if v, ok := o[name]; ok {
		return v
	}
	return def
}

type PinUVAuthProtocolVersion uint

const (
	PinProtoV1 PinUVAuthProtocolVersion = 1
)
