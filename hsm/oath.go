package hsm

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
)

// Algorithm is the HMAC hash of an OATH account.
type Algorithm byte

const (
	SHA1   Algorithm = 0x01
	SHA256 Algorithm = 0x02
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	}
	return fmt.Sprintf("Algorithm(%#x)", byte(a))
}

func (a Algorithm) hash() (func() hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New, nil
	case SHA256:
		return sha256.New, nil
	}
	return nil, fmt.Errorf("hsm: unsupported OATH algorithm %s", a)
}

// CalculateOATH computes HMAC(secret, challenge) and applies RFC 4226
// dynamic truncation, returning the 31-bit value.
func CalculateOATH(alg Algorithm, secret, challenge []byte) (uint32, error) {
	h, err := alg.hash()
	if err != nil {
		return 0, err
	}
	mac := hmac.New(h, secret)
	mac.Write(challenge)
	sum := mac.Sum(nil)

	off := int(sum[len(sum)-1] & 0x0F)
	return binary.BigEndian.Uint32(sum[off:off+4]) & 0x7FFFFFFF, nil
}

var powers = [...]uint32{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000, 1000000000}

// Digits reduces a truncated code to n decimal digits.
func Digits(code uint32, n int) uint32 {
	if n <= 0 || n >= len(powers) {
		return code
	}
	return code % powers[n]
}

// Counter encodes a HOTP counter or TOTP time step as the 8-byte
// big-endian challenge.
func Counter(c uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, c)
	return b
}
