package ctap2

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/flynn/opentoken/cborenc"
)

// AAGUIDSize is the length of an authenticator AAGUID.
const AAGUIDSize = 16

type AuthData []byte

const authDataMinLength = 37

const (
	authDataFlagUP = 1 << iota
	authDataFlagReserved1
	authDataFlagUV
	authDataFlagReserved2
	authDataFlagReserved3
	authDataFlagReserved4
	authDataFlagAT
	authDataFlagED
)

type AuthDataFlag struct {
	UserPresent            bool
	UserVerified           bool
	AttestedCredentialData bool
	HasExtensions          bool
}

func (f AuthDataFlag) byte() byte {
	var b byte
	if f.UserPresent {
		b |= authDataFlagUP
	}
	if f.UserVerified {
		b |= authDataFlagUV
	}
	if f.AttestedCredentialData {
		b |= authDataFlagAT
	}
	if f.HasExtensions {
		b |= authDataFlagED
	}
	return b
}

type AttestedCredentialData struct {
	AAGUID              []byte // 16 bytes ID for the authenticator
	CredentialID        []byte
	CredentialPublicKey *COSEKey
}

type ParsedAuthData struct {
	RPIDHash               []byte // 32 bytes Sha256 RP ID Hash
	Flags                  AuthDataFlag
	SignCount              uint32
	AttestedCredentialData *AttestedCredentialData
	Extensions             AuthenticatorExtensions
}

// RPIDHash returns the SHA-256 hash of a relying party ID.
func RPIDHash(rpID string) [32]byte {
	return sha256.Sum256([]byte(rpID))
}

// NewAuthData builds authenticator data. The AT flag is set when att is
// non-nil; extensions are never emitted.
func NewAuthData(rpIDHash [32]byte, flags AuthDataFlag, signCount uint32, att *AttestedCredentialData) (AuthData, error) {
	flags.AttestedCredentialData = att != nil
	flags.HasExtensions = false

	out := make([]byte, 0, authDataMinLength+AAGUIDSize+2+64+80)
	out = append(out, rpIDHash[:]...)
	out = append(out, flags.byte())
	out = binary.BigEndian.AppendUint32(out, signCount)
	if att == nil {
		return out, nil
	}

	if len(att.AAGUID) != AAGUIDSize {
		return nil, errors.New("ctap2: AAGUID must be 16 bytes")
	}
	if len(att.CredentialID) > 0xFFFF {
		return nil, errors.New("ctap2: credential ID too long")
	}
	key, err := att.CredentialPublicKey.CBOREncode()
	if err != nil {
		return nil, err
	}
	out = append(out, att.AAGUID...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(att.CredentialID)))
	out = append(out, att.CredentialID...)
	out = append(out, key...)
	return out, nil
}

func (a AuthData) Parse() (*ParsedAuthData, error) {
	if len(a) < authDataMinLength {
		return nil, errors.New("ctap2: invalid authData")
	}

	out := &ParsedAuthData{
		RPIDHash: a[:32],
		Flags: AuthDataFlag{
			UserPresent:            (a[32]&authDataFlagUP == authDataFlagUP),
			UserVerified:           (a[32]&authDataFlagUV == authDataFlagUV),
			AttestedCredentialData: (a[32]&authDataFlagAT == authDataFlagAT),
			HasExtensions:          (a[32]&authDataFlagED == authDataFlagED),
		},
		SignCount: binary.BigEndian.Uint32(a[33:authDataMinLength]),
	}

	rest := []byte(a[authDataMinLength:])
	if out.Flags.AttestedCredentialData {
		if len(rest) < AAGUIDSize+2 {
			return nil, errors.New("ctap2: missing attestedCredentialData")
		}

		out.AttestedCredentialData = &AttestedCredentialData{
			AAGUID: rest[:AAGUIDSize],
		}

		credIDLen := int(binary.BigEndian.Uint16(rest[AAGUIDSize : AAGUIDSize+2]))
		rest = rest[AAGUIDSize+2:]
		if len(rest) < credIDLen {
			return nil, errors.New("ctap2: truncated credential ID")
		}
		out.AttestedCredentialData.CredentialID = rest[:credIDLen]

		// the key is followed by the extensions map, if any
		out.AttestedCredentialData.CredentialPublicKey = &COSEKey{}
		var err error
		rest, err = cborenc.UnmarshalFirst(rest[credIDLen:], out.AttestedCredentialData.CredentialPublicKey)
		if err != nil {
			return nil, err
		}
	}

	if out.Flags.HasExtensions {
		if len(rest) == 0 {
			return nil, errors.New("ctap2: missing extensions")
		}

		out.Extensions = make(AuthenticatorExtensions)
		if err := cborenc.Unmarshal(rest, &out.Extensions); err != nil {
			return nil, err
		}
	} else if len(rest) != 0 {
		return nil, errors.New("ctap2: trailing authData")
	}

	return out, nil
}
