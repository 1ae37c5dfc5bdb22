package storage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var testUID = []byte("0123456789abcdef")

func newStore(t *testing.T, f Flash, uid []byte) *Store {
	t.Helper()
	s, err := New(f, uid)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	return s
}

func TestImageFitsPayload(t *testing.T) {
	img := defaultImage()
	payload, err := img.encode()
	require.NoError(t, err)
	require.Len(t, payload, PayloadSize)

	got, err := decodeImage(payload)
	require.NoError(t, err)
	require.Equal(t, *img, *got)
}

func TestInitFormatsErasedFlash(t *testing.T) {
	f := NewMemFlash()
	s := newStore(t, f, testUID)
	require.Equal(t, 1, f.Programs())

	st, err := s.PinState()
	require.NoError(t, err)
	require.Equal(t, MaxPINRetries, st.Retries)
	require.Equal(t, MaxPINRetries, st.AdminRetries)
	require.Equal(t, sha256.Sum256(DefaultPIN), st.PINHash)
	require.Equal(t, sha256.Sum256(DefaultAdminPIN), st.AdminPINHash)

	status, err := s.Status()
	require.NoError(t, err)
	require.Equal(t, Status{PINRetries: 3, AdminPINRetries: 3}, status)
}

func TestCommitLayout(t *testing.T) {
	f := NewMemFlash()
	newStore(t, f, testUID)

	raw, err := f.Read()
	require.NoError(t, err)
	require.Len(t, raw, ImageSize)
	// the plaintext magic never appears in the sealed region
	require.False(t, bytes.Contains(raw, []byte{0x31, 0x4B, 0x54, 0x4F}))
}

func TestReloadPersistsState(t *testing.T) {
	f := NewMemFlash()
	s := newStore(t, f, testUID)

	idx, err := s.SaveOath(&OathAccount{Name: []byte("demo"), Secret: []byte("ababab"), Property: 0x21, Digits: 6})
	require.NoError(t, err)
	require.NoError(t, s.SetOathCounter(idx, 7))
	n, err := s.NextCounter()
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)

	s2 := newStore(t, f, testUID)
	acct, err := s2.LoadOath(idx)
	require.NoError(t, err)
	require.Equal(t, &OathAccount{Name: []byte("demo"), Secret: []byte("ababab"), Property: 0x21, Digits: 6, Counter: 7}, acct)

	n, err = s2.NextCounter()
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)
}

func TestKeyMismatchFormats(t *testing.T) {
	f := NewMemFlash()
	s := newStore(t, f, testUID)
	_, err := s.SaveOath(&OathAccount{Name: []byte("demo"), Secret: []byte{1}, Digits: 6})
	require.NoError(t, err)

	other := newStore(t, f, []byte("fedcba9876543210"))
	list, err := other.ListOath()
	require.NoError(t, err)
	require.Empty(t, list)
	st, err := other.PinState()
	require.NoError(t, err)
	require.Equal(t, MaxPINRetries, st.Retries)
}

func TestTamperedImageFormats(t *testing.T) {
	f := NewMemFlash()
	s := newStore(t, f, testUID)
	_, err := s.SaveOath(&OathAccount{Name: []byte("demo"), Secret: []byte{1}, Digits: 6})
	require.NoError(t, err)

	f.Corrupt(HeaderSize + 100)
	s2 := newStore(t, f, testUID)
	_, err = s2.FindOath([]byte("demo"))
	require.Equal(t, ErrNotFound, err)
}

func TestNotInitialized(t *testing.T) {
	s, err := New(NewMemFlash(), testUID)
	require.NoError(t, err)
	_, err = s.LoadOath(0)
	require.Equal(t, ErrNotInitialized, err)
	require.Equal(t, ErrNotInitialized, s.Commit())

	_, err = New(NewMemFlash(), nil)
	require.Error(t, err)
}

func TestOathUpsert(t *testing.T) {
	s := newStore(t, NewMemFlash(), testUID)

	i, err := s.SaveOath(&OathAccount{Name: []byte("a"), Secret: []byte{1}, Digits: 6})
	require.NoError(t, err)
	require.Equal(t, 0, i)
	j, err := s.SaveOath(&OathAccount{Name: []byte("b"), Secret: []byte{2}, Digits: 6})
	require.NoError(t, err)
	require.Equal(t, 1, j)

	k, err := s.SaveOath(&OathAccount{Name: []byte("a"), Secret: []byte{3}, Digits: 8})
	require.NoError(t, err)
	require.Equal(t, 0, k)

	acct, err := s.LoadOath(0)
	require.NoError(t, err)
	require.Equal(t, []byte{3}, acct.Secret)
	require.Equal(t, 8, acct.Digits)

	require.NoError(t, s.DeleteOath([]byte("a")))
	require.Equal(t, ErrNotFound, s.DeleteOath([]byte("a")))

	// the freed slot is reused
	k, err = s.SaveOath(&OathAccount{Name: []byte("c"), Secret: []byte{4}, Digits: 6})
	require.NoError(t, err)
	require.Equal(t, 0, k)

	list, err := s.ListOath()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, []byte("c"), list[0].Name)
	require.Equal(t, []byte("b"), list[1].Name)

	require.NoError(t, s.ResetOath())
	list, err = s.ListOath()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestOathLimits(t *testing.T) {
	s := newStore(t, NewMemFlash(), testUID)

	for i := 0; i < MaxOathAccounts; i++ {
		_, err := s.SaveOath(&OathAccount{Name: []byte{'a' + byte(i)}, Secret: []byte{1}, Digits: 6})
		require.NoError(t, err)
	}
	_, err := s.SaveOath(&OathAccount{Name: []byte("z"), Secret: []byte{1}, Digits: 6})
	require.Equal(t, ErrFull, err)

	_, err = s.SaveOath(&OathAccount{Name: nil, Secret: []byte{1}})
	require.Equal(t, ErrTooLarge, err)
	_, err = s.SaveOath(&OathAccount{Name: []byte("x"), Secret: make([]byte, MaxSecretLen+1)})
	require.Equal(t, ErrTooLarge, err)

	_, err = s.LoadOath(MaxOathAccounts)
	require.Equal(t, ErrInvalidSlot, err)
}

func TestFido2(t *testing.T) {
	s := newStore(t, NewMemFlash(), testUID)
	rp := sha256.Sum256([]byte("example.com"))
	other := sha256.Sum256([]byte("example.org"))

	i, err := s.AddFido2(&Fido2Credential{RPIDHash: rp, UserID: []byte("u1"), ID: []byte("id-1"), WrappedKey: []byte{1}, Resident: true})
	require.NoError(t, err)
	j, err := s.AddFido2(&Fido2Credential{RPIDHash: other, UserID: []byte("u2"), ID: []byte("id-2"), WrappedKey: []byte{2}, Resident: true})
	require.NoError(t, err)
	k, err := s.AddFido2(&Fido2Credential{RPIDHash: rp, UserID: []byte("u3"), ID: []byte("id-3"), WrappedKey: []byte{3}, Resident: true})
	require.NoError(t, err)

	_, err = s.AddFido2(&Fido2Credential{RPIDHash: rp, ID: []byte("id-1")})
	require.Equal(t, ErrExists, err)

	// reuse the first slot; the newer credential must sort after id-3
	require.NoError(t, s.DeleteFido2(i))
	n, err := s.AddFido2(&Fido2Credential{RPIDHash: rp, UserID: []byte("u4"), ID: []byte("id-4"), WrappedKey: []byte{4}, Resident: true})
	require.NoError(t, err)
	require.Equal(t, i, n)

	got, err := s.FindFido2ByRP(rp)
	require.NoError(t, err)
	require.Equal(t, []int{k, n}, got)

	idx, err := s.FindFido2ByID([]byte("id-2"))
	require.NoError(t, err)
	require.Equal(t, j, idx)

	require.NoError(t, s.SetFido2SignCount(k, 5))
	require.Error(t, s.SetFido2SignCount(k, 4))
	cred, err := s.LoadFido2(k)
	require.NoError(t, err)
	require.Equal(t, uint32(5), cred.SignCount)
	require.Equal(t, []byte("u3"), cred.UserID)
	require.True(t, cred.Resident)

	all, err := s.ListFido2()
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, s.DeleteAllFido2())
	all, err = s.ListFido2()
	require.NoError(t, err)
	require.Empty(t, all)
	_, err = s.FindFido2ByID([]byte("id-2"))
	require.Equal(t, ErrNotFound, err)
}

func TestFido2Full(t *testing.T) {
	s := newStore(t, NewMemFlash(), testUID)
	for i := 0; i < MaxFido2Credentials; i++ {
		_, err := s.AddFido2(&Fido2Credential{ID: []byte{byte(i)}})
		require.NoError(t, err)
	}
	_, err := s.AddFido2(&Fido2Credential{ID: []byte{0xFF}})
	require.Equal(t, ErrFull, err)

	_, err = s.AddFido2(&Fido2Credential{ID: make([]byte, MaxCredentialIDLen+1)})
	require.Equal(t, ErrTooLarge, err)
}

func TestKeys(t *testing.T) {
	f := NewMemFlash()
	s := newStore(t, f, testUID)

	_, err := s.LoadKey(1)
	require.Equal(t, ErrNotFound, err)

	k := &KeySlot{WrappedKey: bytes.Repeat([]byte{0xAB}, 60)}
	k.X[0], k.Y[31] = 1, 2
	require.NoError(t, s.SaveKey(1, k))
	require.Equal(t, ErrInvalidSlot, s.SaveKey(MaxKeySlots, k))

	got, err := newStore(t, f, testUID).LoadKey(1)
	require.NoError(t, err)
	require.Equal(t, k, got)
}

func TestFailedCommitRollsBack(t *testing.T) {
	f := NewMemFlash()
	s := newStore(t, f, testUID)

	f.FailNext(1)
	_, err := s.SaveOath(&OathAccount{Name: []byte("demo"), Secret: []byte{1}, Digits: 6})
	require.True(t, errors.Is(err, ErrProgram))

	_, err = s.FindOath([]byte("demo"))
	require.Equal(t, ErrNotFound, err)

	f.FailNext(1)
	st, err := s.PinState()
	require.NoError(t, err)
	st.Retries = 1
	require.Error(t, s.SetPinState(st))
	st, err = s.PinState()
	require.NoError(t, err)
	require.Equal(t, MaxPINRetries, st.Retries)

	// the flash still holds the last good image
	s2 := newStore(t, f, testUID)
	status, err := s2.Status()
	require.NoError(t, err)
	require.Equal(t, 0, status.OathAccounts)
}

func TestFailedFormatIsReported(t *testing.T) {
	f := NewMemFlash()
	f.FailNext(1)
	s, err := New(f, testUID)
	require.NoError(t, err)
	require.Error(t, s.Init())
	require.NoError(t, s.Init())
}

func TestSetPinStateBounds(t *testing.T) {
	s := newStore(t, NewMemFlash(), testUID)
	require.Error(t, s.SetPinState(PinState{Retries: 4}))
	require.Error(t, s.SetPinState(PinState{Retries: -1}))
}

func TestFileFlash(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFileFlash(fs, "state/token.img")

	raw, err := f.Read()
	require.NoError(t, err)
	require.Equal(t, erased(), raw)

	s := newStore(t, f, testUID)
	_, err = s.SaveOath(&OathAccount{Name: []byte("demo"), Secret: []byte{1}, Digits: 6})
	require.NoError(t, err)

	exists, err := afero.Exists(fs, "state/token.img.tmp")
	require.NoError(t, err)
	require.False(t, exists)

	s2 := newStore(t, NewFileFlash(fs, "state/token.img"), testUID)
	_, err = s2.FindOath([]byte("demo"))
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "short.img", []byte{1, 2, 3}, 0o600))
	_, err = NewFileFlash(fs, "short.img").Read()
	require.Error(t, err)
	require.Error(t, f.Program([]byte{1}))
}
