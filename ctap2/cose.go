package ctap2

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"

	"github.com/flynn/opentoken/cborenc"
)

// COSEKey, as defined per https://tools.ietf.org/html/rfc8152#section-7.1
// Only supports Elliptic Curve Public keys.
type COSEKey struct {
	Y     []byte    `cbor:"-3,keyasint,omitempty"`
	X     []byte    `cbor:"-2,keyasint,omitempty"`
	Curve CurveType `cbor:"-1,keyasint,omitempty"`

	KeyType KeyType        `cbor:"1,keyasint"`
	KeyID   []byte         `cbor:"2,keyasint,omitempty"`
	Alg     Alg            `cbor:"3,keyasint,omitempty"`
	KeyOps  []KeyOperation `cbor:"4,keyasint,omitempty"`
	BaseIV  []byte         `cbor:"5,keyasint,omitempty"`
}

// NewCOSEKey returns the ES256 COSE encoding of a P-256 public key.
func NewCOSEKey(pub *ecdsa.PublicKey) (*COSEKey, error) {
	if pub.Curve != elliptic.P256() {
		return nil, errors.New("ctap2: only P-256 keys are supported")
	}
	point, err := pub.Bytes()
	if err != nil {
		return nil, err
	}
	return &COSEKey{
		KeyType: EC2,
		Alg:     ES256,
		Curve:   P256,
		X:       point[1:33],
		Y:       point[33:65],
	}, nil
}

func (k *COSEKey) CBOREncode() ([]byte, error) {
	return cborenc.Marshal(k)
}

// PublicKey returns k as an ECDSA public key.
func (k *COSEKey) PublicKey() (*ecdsa.PublicKey, error) {
	if k.KeyType != EC2 || k.Curve != P256 || len(k.X) != 32 || len(k.Y) != 32 {
		return nil, errors.New("ctap2: unsupported COSE key")
	}
	point := make([]byte, 0, 65)
	point = append(point, 0x04)
	point = append(point, k.X...)
	point = append(point, k.Y...)
	return ecdsa.ParseUncompressedPublicKey(elliptic.P256(), point)
}

// KeyType defines a key type from https://tools.ietf.org/html/rfc8152#section-13
type KeyType int

const (
	// OKP is an Octet Key Pair
	OKP KeyType = 0x01
	// EC2 is an Elliptic Curve Key
	EC2 KeyType = 0x02
)

type CurveType int

const (
	P256    CurveType = 0x01
	P384    CurveType = 0x02
	P521    CurveType = 0x03
	X25519  CurveType = 0x04
	X448    CurveType = 0x05
	Ed25519 CurveType = 0x06
	Ed448   CurveType = 0x07
)

type KeyOperation int

const (
	Sign KeyOperation = iota + 1
	Verify
	Encrypt
	Decrypt
	WrapKey
	UnwrapKey
	DeriveKey
	DeriveBits
	MACCreate
	MACVerify
)

// Alg must be the value of one of the algorithms registered in
// https://www.iana.org/assignments/cose/cose.xhtml#algorithms.
type Alg int

const (
	RS256          Alg = -257 // RSASSA-PKCS1-v1_5 using SHA-256
	PS256          Alg = -37  // RSASSA-PSS w/ SHA-256
	ECDHES_HKDF256 Alg = -25  // ECDH-ES + HKDF-256
	ES256          Alg = -7   // ECDSA w/ SHA-256
)
