package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Layout of the persisted region: [nonce][tag][ciphertext].
const (
	ImageSize   = 8192
	NonceSize   = 12
	TagSize     = 16
	HeaderSize  = NonceSize + TagSize
	PayloadSize = ImageSize - HeaderSize

	Magic   uint32 = 0x4F544B31 // "OTK1"
	Version uint32 = 1
)

// Slot capacities.
const (
	MaxOathAccounts     = 8
	MaxFido2Credentials = 16
	MaxKeySlots         = 4
	MaxPINRetries       = 3

	MaxNameLen         = 64
	MaxSecretLen       = 64
	MaxUserIDLen       = 64
	MaxCredentialIDLen = 64
	MaxWrappedKeyLen   = 64
	MaxPINLen          = 127
)

// Factory PINs, matching the OpenPGP card defaults.
var (
	DefaultPIN      = []byte("123456")
	DefaultAdminPIN = []byte("12345678")
)

type systemRecord struct {
	Retries      uint8
	AdminRetries uint8
	PINLen       uint8
	AdminPINLen  uint8
	PINHash      [32]byte
	AdminPINHash [32]byte
	Counter      uint32
}

type oathRecord struct {
	Active    uint8
	NameLen   uint8
	Name      [MaxNameLen]byte
	SecretLen uint8
	Secret    [MaxSecretLen]byte
	Property  uint8
	Digits    uint8
	Counter   uint32
}

type fido2Record struct {
	Active       uint8
	Resident     uint8
	RPIDHash     [32]byte
	UserIDLen    uint8
	UserID       [MaxUserIDLen]byte
	CredIDLen    uint8
	CredID       [MaxCredentialIDLen]byte
	WrappedLen   uint8
	WrappedKey   [MaxWrappedKeyLen]byte
	SignCount    uint32
	CreatedOrder uint32
}

type keyRecord struct {
	Active     uint8
	X          [32]byte
	Y          [32]byte
	WrappedLen uint8
	WrappedKey [MaxWrappedKeyLen]byte
}

// image is the decrypted in-memory cache. Its binary encoding is the
// plaintext payload of the persisted region.
type image struct {
	Magic   uint32
	Version uint32
	System  systemRecord
	Oath    [MaxOathAccounts]oathRecord
	Fido2   [MaxFido2Credentials]fido2Record
	Keys    [MaxKeySlots]keyRecord
}

func init() {
	if n := binary.Size(image{}); n > PayloadSize {
		panic(fmt.Sprintf("storage: image of %d bytes exceeds payload of %d bytes", n, PayloadSize))
	}
}

func defaultImage() *image {
	img := &image{
		Magic:   Magic,
		Version: Version,
		System: systemRecord{
			Retries:      MaxPINRetries,
			AdminRetries: MaxPINRetries,
			PINLen:       uint8(len(DefaultPIN)),
			AdminPINLen:  uint8(len(DefaultAdminPIN)),
			PINHash:      sha256.Sum256(DefaultPIN),
			AdminPINHash: sha256.Sum256(DefaultAdminPIN),
		},
	}
	return img
}

// encode serializes img into a zero-padded payload of PayloadSize bytes.
func (img *image) encode() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, binary.Size(image{})))
	if err := binary.Write(buf, binary.LittleEndian, img); err != nil {
		return nil, err
	}
	out := make([]byte, PayloadSize)
	copy(out, buf.Bytes())
	return out, nil
}

func decodeImage(payload []byte) (*image, error) {
	if len(payload) != PayloadSize {
		return nil, fmt.Errorf("storage: payload is %d bytes, want %d", len(payload), PayloadSize)
	}
	img := &image{}
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, img); err != nil {
		return nil, err
	}
	if img.Magic != Magic {
		return nil, fmt.Errorf("storage: bad magic %08x", img.Magic)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("storage: unsupported version %d", img.Version)
	}
	return img, nil
}
