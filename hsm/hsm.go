// Package hsm is the key-management layer. It generates and wraps P-256
// keys in fixed slots, signs with them, checks PINs against their retry
// counters and computes OATH codes. Plaintext private scalars never leave
// this package.
package hsm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/opentoken/storage"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

// Slot identifies a fixed-purpose key.
type Slot int

const (
	SlotFIDO2 Slot = iota
	SlotSign
	SlotDecrypt
	SlotAuth
)

func (s Slot) String() string {
	switch s {
	case SlotFIDO2:
		return "fido2"
	case SlotSign:
		return "sign"
	case SlotDecrypt:
		return "decrypt"
	case SlotAuth:
		return "auth"
	}
	return fmt.Sprintf("Slot(%d)", int(s))
}

const (
	scalarSize = 32

	wrapSalt = "OpenToken-Key-Wrap-Salt-v1"
	wrapInfo = "opentoken key wrap v1"
)

var (
	ErrInvalidSlot = errors.New("hsm: invalid key slot")
	ErrNoKey       = errors.New("hsm: key slot is empty")
	ErrUnwrap      = errors.New("hsm: wrapped key failed authentication")
)

// An Option configures an HSM.
type Option func(*HSM)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *HSM) { h.log = l.With().Str("component", "hsm").Logger() }
}

// WithRand sets the randomness source for key generation, nonces and
// signatures. It defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(h *HSM) { h.rand = r }
}

// HSM wraps a Store with key and PIN operations.
type HSM struct {
	// mu serializes PIN read-modify-write cycles
	mu    sync.Mutex
	store *storage.Store
	aead  cipher.AEAD
	rand  io.Reader
	log   zerolog.Logger
}

// New returns an HSM whose wrap key is derived from uid.
func New(store *storage.Store, uid []byte, opts ...Option) (*HSM, error) {
	if len(uid) == 0 {
		return nil, errors.New("hsm: empty device UID")
	}

	key := NewSecret(32)
	defer key.Wipe()
	if _, err := io.ReadFull(hkdf.New(sha256.New, uid, []byte(wrapSalt), []byte(wrapInfo)), key.Bytes()); err != nil {
		return nil, fmt.Errorf("hsm: deriving wrap key: %w", err)
	}
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	h := &HSM{
		store: store,
		aead:  aead,
		rand:  rand.Reader,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Store returns the underlying store.
func (h *HSM) Store() *storage.Store {
	return h.store
}

// Rand returns the randomness source.
func (h *HSM) Rand() io.Reader {
	return h.rand
}

func slotAAD(s Slot) []byte {
	return []byte("opentoken slot " + s.String())
}

func (h *HSM) wrap(scalar, aad []byte) ([]byte, error) {
	nonce := make([]byte, h.aead.NonceSize())
	if _, err := io.ReadFull(h.rand, nonce); err != nil {
		return nil, fmt.Errorf("hsm: generating nonce: %w", err)
	}
	return h.aead.Seal(nonce, nonce, scalar, aad), nil
}

func (h *HSM) unwrap(wrapped, aad []byte) (*Secret, error) {
	n := h.aead.NonceSize()
	if len(wrapped) != n+scalarSize+h.aead.Overhead() {
		return nil, ErrUnwrap
	}
	s := NewSecret(scalarSize)
	if _, err := h.aead.Open(s.Bytes()[:0], wrapped[:n], wrapped[n:], aad); err != nil {
		s.Wipe()
		return nil, ErrUnwrap
	}
	return s, nil
}

// generate creates a key and returns its public half and wrapped scalar.
func (h *HSM) generate(aad []byte) (*ecdsa.PublicKey, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), h.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("hsm: generating key: %w", err)
	}
	defer wipeKey(priv)

	raw, err := priv.Bytes()
	if err != nil {
		return nil, nil, err
	}
	scalar := &Secret{b: raw}
	defer scalar.Wipe()

	wrapped, err := h.wrap(scalar.Bytes(), aad)
	if err != nil {
		return nil, nil, err
	}
	pub := priv.PublicKey
	return &pub, wrapped, nil
}

// withKey unwraps a scalar, runs fn with the private key and wipes it.
func (h *HSM) withKey(wrapped, aad []byte, fn func(*ecdsa.PrivateKey) error) error {
	scalar, err := h.unwrap(wrapped, aad)
	if err != nil {
		return err
	}
	defer scalar.Wipe()

	priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), scalar.Bytes())
	if err != nil {
		return fmt.Errorf("hsm: loading key: %w", err)
	}
	defer wipeKey(priv)
	return fn(priv)
}

func wipeKey(priv *ecdsa.PrivateKey) {
	if priv == nil || priv.D == nil {
		return
	}
	clear(priv.D.Bits())
	priv.D.SetInt64(0)
}

func checkSlot(s Slot) error {
	if s < SlotFIDO2 || s > SlotAuth {
		return ErrInvalidSlot
	}
	return nil
}

// GenerateKey replaces the key in slot and returns its public half.
func (h *HSM) GenerateKey(slot Slot) (*ecdsa.PublicKey, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	pub, wrapped, err := h.generate(slotAAD(slot))
	if err != nil {
		return nil, err
	}

	point, err := pub.Bytes()
	if err != nil {
		return nil, err
	}
	ks := &storage.KeySlot{WrappedKey: wrapped}
	copy(ks.X[:], point[1:33])
	copy(ks.Y[:], point[33:65])
	if err := h.store.SaveKey(int(slot), ks); err != nil {
		return nil, err
	}
	h.log.Info().Stringer("slot", slot).Msg("generated key")
	return pub, nil
}

// PublicKey returns the public half of slot.
func (h *HSM) PublicKey(slot Slot) (*ecdsa.PublicKey, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	ks, err := h.store.LoadKey(int(slot))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	return slotPublicKey(ks)
}

func slotPublicKey(ks *storage.KeySlot) (*ecdsa.PublicKey, error) {
	point := make([]byte, 0, 65)
	point = append(point, 0x04)
	point = append(point, ks.X[:]...)
	point = append(point, ks.Y[:]...)
	return ecdsa.ParseUncompressedPublicKey(elliptic.P256(), point)
}

// EnsureKey returns the public key of slot, generating one if the slot is
// empty.
func (h *HSM) EnsureKey(slot Slot) (*ecdsa.PublicKey, error) {
	pub, err := h.PublicKey(slot)
	if errors.Is(err, ErrNoKey) {
		return h.GenerateKey(slot)
	}
	return pub, err
}

// Sign signs digest with the key in slot and returns the raw r‖s
// signature.
func (h *HSM) Sign(slot Slot, digest []byte) ([]byte, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	ks, err := h.store.LoadKey(int(slot))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}

	var sig []byte
	err = h.withKey(ks.WrappedKey, slotAAD(slot), func(priv *ecdsa.PrivateKey) error {
		r, s, err := ecdsa.Sign(h.rand, priv, digest)
		if err != nil {
			return fmt.Errorf("hsm: signing: %w", err)
		}
		sig = make([]byte, 2*scalarSize)
		r.FillBytes(sig[:scalarSize])
		s.FillBytes(sig[scalarSize:])
		return nil
	})
	return sig, err
}

// credentialAAD binds a credential key to its relying party and to the
// current FIDO2 master key, so regenerating the master key invalidates
// every credential wrapped under it.
func (h *HSM) credentialAAD(rpIDHash [32]byte) ([]byte, error) {
	master, err := h.store.LoadKey(int(SlotFIDO2))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	aad := make([]byte, 0, 16+64)
	aad = append(aad, "opentoken fido2 "...)
	aad = append(aad, master.X[:]...)
	aad = append(aad, rpIDHash[:]...)
	return aad, nil
}

// NewCredentialKey generates a key for a FIDO2 credential of rpIDHash and
// returns its public half and wrapped scalar. Nothing is persisted.
func (h *HSM) NewCredentialKey(rpIDHash [32]byte) (*ecdsa.PublicKey, []byte, error) {
	aad, err := h.credentialAAD(rpIDHash)
	if err != nil {
		return nil, nil, err
	}
	return h.generate(aad)
}

// SignCredential returns the DER ECDSA signature of SHA-256(msg) under a
// credential key produced by NewCredentialKey.
func (h *HSM) SignCredential(rpIDHash [32]byte, wrapped, msg []byte) ([]byte, error) {
	aad, err := h.credentialAAD(rpIDHash)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(msg)

	var sig []byte
	err = h.withKey(wrapped, aad, func(priv *ecdsa.PrivateKey) error {
		var err error
		sig, err = ecdsa.SignASN1(h.rand, priv, digest[:])
		return err
	})
	return sig, err
}
