// Package storage implements the token's persistent state: a fixed slot
// table for OATH accounts, FIDO2 credentials, wrapped keys and PIN state,
// sealed with AES-256-GCM under a device-derived key and committed to
// flash as one image on every mutation.
package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrNotInitialized = errors.New("storage: not initialized")
	ErrNotFound       = errors.New("storage: slot not found")
	ErrFull           = errors.New("storage: no free slot")
	ErrExists         = errors.New("storage: credential ID already stored")
	ErrTooLarge       = errors.New("storage: field exceeds slot size")
	ErrInvalidSlot    = errors.New("storage: invalid slot index")
)

const (
	masterKeySalt = "OpenToken-Master-Key-Salt-v1"
	masterKeyInfo = "opentoken storage v1"
)

var imageAAD = []byte("OTK1")

// An OathAccount is one stored OATH credential.
type OathAccount struct {
	Name     []byte
	Secret   []byte
	Property byte
	Digits   int
	Counter  uint32
}

// A Fido2Credential is one stored FIDO2 credential. The private scalar is
// only ever held wrapped.
type Fido2Credential struct {
	RPIDHash   [32]byte
	UserID     []byte
	ID         []byte
	WrappedKey []byte
	SignCount  uint32
	Resident   bool
}

// A KeySlot holds the public point and wrapped scalar of a fixed-purpose
// key.
type KeySlot struct {
	X, Y       [32]byte
	WrappedKey []byte
}

// PinState is the singleton PIN and counter record.
type PinState struct {
	Retries      int
	AdminRetries int
	PINHash      [32]byte
	AdminPINHash [32]byte
	PINLen       int
	AdminPINLen  int
}

// Status summarizes slot usage.
type Status struct {
	OathAccounts     int
	Fido2Credentials int
	KeySlots         int
	PINRetries       int
	AdminPINRetries  int
	Counter          uint32
}

// An Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for format and commit events.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l.With().Str("component", "storage").Logger() }
}

// WithRand sets the nonce source. It defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(s *Store) { s.rand = r }
}

// Store is the decrypted in-memory image and its flash mirror. All methods
// are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	flash Flash
	aead  cipher.AEAD
	img   *image
	log   zerolog.Logger
	rand  io.Reader
}

// New returns a Store sealed under a key derived from uid. Init must be
// called before use.
func New(flash Flash, uid []byte, opts ...Option) (*Store, error) {
	if len(uid) == 0 {
		return nil, errors.New("storage: empty device UID")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, uid, []byte(masterKeySalt), []byte(masterKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("storage: deriving master key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	s := &Store{
		flash: flash,
		aead:  aead,
		log:   zerolog.Nop(),
		rand:  rand.Reader,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init loads the image from flash. An image that fails authentication or
// carries the wrong magic or version is replaced by a freshly formatted
// one; this is indistinguishable from a first boot.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.flash.Read()
	if err != nil {
		return err
	}

	img, err := s.open(raw)
	if err == nil {
		s.img = img
		return nil
	}

	s.log.Debug().Err(err).Msg("formatting storage")
	s.img = defaultImage()
	if err := s.commitLocked(); err != nil {
		s.img = nil
		return err
	}
	return nil
}

func (s *Store) open(raw []byte) (*image, error) {
	if len(raw) != ImageSize {
		return nil, fmt.Errorf("storage: region is %d bytes, want %d", len(raw), ImageSize)
	}
	nonce := raw[:NonceSize]
	tag := raw[NonceSize:HeaderSize]
	sealed := make([]byte, 0, PayloadSize+TagSize)
	sealed = append(sealed, raw[HeaderSize:]...)
	sealed = append(sealed, tag...)

	payload, err := s.aead.Open(sealed[:0], nonce, sealed, imageAAD)
	if err != nil {
		return nil, err
	}
	defer clear(payload)
	return decodeImage(payload)
}

// Commit seals the current image under a fresh nonce and programs it.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return ErrNotInitialized
	}
	return s.commitLocked()
}

func (s *Store) commitLocked() error {
	payload, err := s.img.encode()
	if err != nil {
		return err
	}
	defer clear(payload)

	buf := make([]byte, ImageSize)
	nonce := buf[:NonceSize]
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return fmt.Errorf("storage: generating nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, payload, imageAAD)
	copy(buf[HeaderSize:], sealed[:PayloadSize])
	copy(buf[NonceSize:HeaderSize], sealed[PayloadSize:])

	if err := s.flash.Program(buf); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// mutate applies fn to the image and commits. If fn or the commit fails
// the in-memory image is restored.
func (s *Store) mutate(fn func(img *image) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return ErrNotInitialized
	}

	saved := *s.img
	if err := fn(s.img); err != nil {
		*s.img = saved
		return err
	}
	if err := s.commitLocked(); err != nil {
		*s.img = saved
		return err
	}
	return nil
}

func (s *Store) view(fn func(img *image) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return ErrNotInitialized
	}
	return fn(s.img)
}

// LoadOath returns the account in slot i.
func (s *Store) LoadOath(i int) (*OathAccount, error) {
	var acct *OathAccount
	err := s.view(func(img *image) error {
		if i < 0 || i >= MaxOathAccounts {
			return ErrInvalidSlot
		}
		r := &img.Oath[i]
		if r.Active == 0 {
			return ErrNotFound
		}
		acct = r.account()
		return nil
	})
	return acct, err
}

// FindOath returns the slot of the active account named name.
func (s *Store) FindOath(name []byte) (int, error) {
	idx := -1
	err := s.view(func(img *image) error {
		idx = img.findOath(name)
		if idx < 0 {
			return ErrNotFound
		}
		return nil
	})
	return idx, err
}

func (img *image) findOath(name []byte) int {
	for i := range img.Oath {
		r := &img.Oath[i]
		if r.Active != 0 && bytes.Equal(r.Name[:r.NameLen], name) {
			return i
		}
	}
	return -1
}

// SaveOath stores acct, replacing an active account of the same name or
// taking the first free slot. It returns the slot used.
func (s *Store) SaveOath(acct *OathAccount) (int, error) {
	if len(acct.Name) == 0 || len(acct.Name) > MaxNameLen || len(acct.Secret) > MaxSecretLen {
		return -1, ErrTooLarge
	}

	idx := -1
	err := s.mutate(func(img *image) error {
		idx = img.findOath(acct.Name)
		if idx < 0 {
			for i := range img.Oath {
				if img.Oath[i].Active == 0 {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			return ErrFull
		}

		r := oathRecord{
			Active:    1,
			NameLen:   uint8(len(acct.Name)),
			SecretLen: uint8(len(acct.Secret)),
			Property:  acct.Property,
			Digits:    uint8(acct.Digits),
			Counter:   acct.Counter,
		}
		copy(r.Name[:], acct.Name)
		copy(r.Secret[:], acct.Secret)
		img.Oath[idx] = r
		return nil
	})
	if err != nil {
		return -1, err
	}
	return idx, nil
}

// SetOathCounter persists a new HOTP counter for slot i.
func (s *Store) SetOathCounter(i int, counter uint32) error {
	return s.mutate(func(img *image) error {
		if i < 0 || i >= MaxOathAccounts {
			return ErrInvalidSlot
		}
		if img.Oath[i].Active == 0 {
			return ErrNotFound
		}
		img.Oath[i].Counter = counter
		return nil
	})
}

// DeleteOath removes the account named name.
func (s *Store) DeleteOath(name []byte) error {
	return s.mutate(func(img *image) error {
		i := img.findOath(name)
		if i < 0 {
			return ErrNotFound
		}
		img.Oath[i] = oathRecord{}
		return nil
	})
}

// ResetOath removes every OATH account.
func (s *Store) ResetOath() error {
	return s.mutate(func(img *image) error {
		img.Oath = [MaxOathAccounts]oathRecord{}
		return nil
	})
}

// ListOath returns the active accounts in slot order.
func (s *Store) ListOath() ([]*OathAccount, error) {
	var out []*OathAccount
	err := s.view(func(img *image) error {
		for i := range img.Oath {
			if img.Oath[i].Active != 0 {
				out = append(out, img.Oath[i].account())
			}
		}
		return nil
	})
	return out, err
}

func (r *oathRecord) account() *OathAccount {
	return &OathAccount{
		Name:     append([]byte(nil), r.Name[:r.NameLen]...),
		Secret:   append([]byte(nil), r.Secret[:r.SecretLen]...),
		Property: r.Property,
		Digits:   int(r.Digits),
		Counter:  r.Counter,
	}
}

func (c *Fido2Credential) record() (fido2Record, error) {
	if len(c.UserID) > MaxUserIDLen || len(c.ID) == 0 || len(c.ID) > MaxCredentialIDLen || len(c.WrappedKey) > MaxWrappedKeyLen {
		return fido2Record{}, ErrTooLarge
	}
	r := fido2Record{
		Active:     1,
		RPIDHash:   c.RPIDHash,
		UserIDLen:  uint8(len(c.UserID)),
		CredIDLen:  uint8(len(c.ID)),
		WrappedLen: uint8(len(c.WrappedKey)),
		SignCount:  c.SignCount,
	}
	if c.Resident {
		r.Resident = 1
	}
	copy(r.UserID[:], c.UserID)
	copy(r.CredID[:], c.ID)
	copy(r.WrappedKey[:], c.WrappedKey)
	return r, nil
}

func (r *fido2Record) credential() *Fido2Credential {
	return &Fido2Credential{
		RPIDHash:   r.RPIDHash,
		UserID:     append([]byte(nil), r.UserID[:r.UserIDLen]...),
		ID:         append([]byte(nil), r.CredID[:r.CredIDLen]...),
		WrappedKey: append([]byte(nil), r.WrappedKey[:r.WrappedLen]...),
		SignCount:  r.SignCount,
		Resident:   r.Resident != 0,
	}
}

func (img *image) findFido2(id []byte) int {
	for i := range img.Fido2 {
		r := &img.Fido2[i]
		if r.Active != 0 && bytes.Equal(r.CredID[:r.CredIDLen], id) {
			return i
		}
	}
	return -1
}

// AddFido2 stores a new credential in the first free slot. Credential IDs
// are unique.
func (s *Store) AddFido2(cred *Fido2Credential) (int, error) {
	r, err := cred.record()
	if err != nil {
		return -1, err
	}

	idx := -1
	err = s.mutate(func(img *image) error {
		if img.findFido2(cred.ID) >= 0 {
			return ErrExists
		}
		for i := range img.Fido2 {
			if img.Fido2[i].Active == 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrFull
		}
		img.System.Counter++
		r.CreatedOrder = img.System.Counter
		img.Fido2[idx] = r
		return nil
	})
	if err != nil {
		return -1, err
	}
	return idx, nil
}

// LoadFido2 returns the credential in slot i.
func (s *Store) LoadFido2(i int) (*Fido2Credential, error) {
	var cred *Fido2Credential
	err := s.view(func(img *image) error {
		if i < 0 || i >= MaxFido2Credentials {
			return ErrInvalidSlot
		}
		if img.Fido2[i].Active == 0 {
			return ErrNotFound
		}
		cred = img.Fido2[i].credential()
		return nil
	})
	return cred, err
}

// SetFido2SignCount persists the signature counter of slot i. The counter
// never moves backwards.
func (s *Store) SetFido2SignCount(i int, count uint32) error {
	return s.mutate(func(img *image) error {
		if i < 0 || i >= MaxFido2Credentials {
			return ErrInvalidSlot
		}
		r := &img.Fido2[i]
		if r.Active == 0 {
			return ErrNotFound
		}
		if count < r.SignCount {
			return fmt.Errorf("storage: sign count %d is below stored %d", count, r.SignCount)
		}
		r.SignCount = count
		return nil
	})
}

// DeleteFido2 clears slot i.
func (s *Store) DeleteFido2(i int) error {
	return s.mutate(func(img *image) error {
		if i < 0 || i >= MaxFido2Credentials {
			return ErrInvalidSlot
		}
		if img.Fido2[i].Active == 0 {
			return ErrNotFound
		}
		img.Fido2[i] = fido2Record{}
		return nil
	})
}

// DeleteAllFido2 clears every FIDO2 slot.
func (s *Store) DeleteAllFido2() error {
	return s.mutate(func(img *image) error {
		img.Fido2 = [MaxFido2Credentials]fido2Record{}
		return nil
	})
}

// FindFido2ByRP returns the slots of the active credentials for rpIDHash,
// oldest first.
func (s *Store) FindFido2ByRP(rpIDHash [32]byte) ([]int, error) {
	var out []int
	err := s.view(func(img *image) error {
		for i := range img.Fido2 {
			if img.Fido2[i].Active != 0 && img.Fido2[i].RPIDHash == rpIDHash {
				out = append(out, i)
			}
		}
		// creation order, so a reused low slot does not jump ahead
		sort.SliceStable(out, func(a, b int) bool {
			return img.Fido2[out[a]].CreatedOrder < img.Fido2[out[b]].CreatedOrder
		})
		return nil
	})
	return out, err
}

// FindFido2ByID returns the slot holding credential ID id.
func (s *Store) FindFido2ByID(id []byte) (int, error) {
	idx := -1
	err := s.view(func(img *image) error {
		idx = img.findFido2(id)
		if idx < 0 {
			return ErrNotFound
		}
		return nil
	})
	return idx, err
}

// ListFido2 returns the slots of all active credentials.
func (s *Store) ListFido2() ([]int, error) {
	var out []int
	err := s.view(func(img *image) error {
		for i := range img.Fido2 {
			if img.Fido2[i].Active != 0 {
				out = append(out, i)
			}
		}
		return nil
	})
	return out, err
}

// LoadKey returns key slot i.
func (s *Store) LoadKey(i int) (*KeySlot, error) {
	var k *KeySlot
	err := s.view(func(img *image) error {
		if i < 0 || i >= MaxKeySlots {
			return ErrInvalidSlot
		}
		r := &img.Keys[i]
		if r.Active == 0 {
			return ErrNotFound
		}
		k = &KeySlot{
			X:          r.X,
			Y:          r.Y,
			WrappedKey: append([]byte(nil), r.WrappedKey[:r.WrappedLen]...),
		}
		return nil
	})
	return k, err
}

// SaveKey overwrites key slot i.
func (s *Store) SaveKey(i int, k *KeySlot) error {
	if len(k.WrappedKey) > MaxWrappedKeyLen {
		return ErrTooLarge
	}
	return s.mutate(func(img *image) error {
		if i < 0 || i >= MaxKeySlots {
			return ErrInvalidSlot
		}
		r := keyRecord{
			Active:     1,
			X:          k.X,
			Y:          k.Y,
			WrappedLen: uint8(len(k.WrappedKey)),
		}
		copy(r.WrappedKey[:], k.WrappedKey)
		img.Keys[i] = r
		return nil
	})
}

// PinState returns the PIN record.
func (s *Store) PinState() (PinState, error) {
	var st PinState
	err := s.view(func(img *image) error {
		sys := &img.System
		st = PinState{
			Retries:      int(sys.Retries),
			AdminRetries: int(sys.AdminRetries),
			PINHash:      sys.PINHash,
			AdminPINHash: sys.AdminPINHash,
			PINLen:       int(sys.PINLen),
			AdminPINLen:  int(sys.AdminPINLen),
		}
		return nil
	})
	return st, err
}

// SetPinState persists st.
func (s *Store) SetPinState(st PinState) error {
	if st.Retries < 0 || st.Retries > MaxPINRetries || st.AdminRetries < 0 || st.AdminRetries > MaxPINRetries {
		return fmt.Errorf("storage: retries out of range")
	}
	if st.PINLen > MaxPINLen || st.AdminPINLen > MaxPINLen {
		return ErrTooLarge
	}
	return s.mutate(func(img *image) error {
		img.System.Retries = uint8(st.Retries)
		img.System.AdminRetries = uint8(st.AdminRetries)
		img.System.PINHash = st.PINHash
		img.System.AdminPINHash = st.AdminPINHash
		img.System.PINLen = uint8(st.PINLen)
		img.System.AdminPINLen = uint8(st.AdminPINLen)
		return nil
	})
}

// NextCounter increments and persists the global counter and returns the
// new value.
func (s *Store) NextCounter() (uint32, error) {
	var n uint32
	err := s.mutate(func(img *image) error {
		img.System.Counter++
		n = img.System.Counter
		return nil
	})
	return n, err
}

// Status reports slot usage.
func (s *Store) Status() (Status, error) {
	var st Status
	err := s.view(func(img *image) error {
		for i := range img.Oath {
			if img.Oath[i].Active != 0 {
				st.OathAccounts++
			}
		}
		for i := range img.Fido2 {
			if img.Fido2[i].Active != 0 {
				st.Fido2Credentials++
			}
		}
		for i := range img.Keys {
			if img.Keys[i].Active != 0 {
				st.KeySlots++
			}
		}
		st.PINRetries = int(img.System.Retries)
		st.AdminPINRetries = int(img.System.AdminRetries)
		st.Counter = img.System.Counter
		return nil
	})
	return st, err
}
