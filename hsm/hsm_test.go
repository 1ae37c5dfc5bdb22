package hsm

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/flynn/opentoken/storage"
	"github.com/stretchr/testify/require"
)

var testUID = []byte("hsm-test-device-uid")

func newHSM(t *testing.T) (*HSM, *storage.MemFlash) {
	t.Helper()
	f := storage.NewMemFlash()
	s, err := storage.New(f, testUID)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	h, err := New(s, testUID)
	require.NoError(t, err)
	return h, f
}

func TestHOTPVectors(t *testing.T) {
	secret := []byte("12345678901234567890")
	truncated := []uint32{1284755224, 1094287082, 137359152, 1726969429, 1640338314, 868254676, 1918287922, 82162583, 673399871, 645520489}
	codes := []uint32{755224, 287082, 359152, 969429, 338314, 254676, 287922, 162583, 399871, 520489}

	for i := range truncated {
		v, err := CalculateOATH(SHA1, secret, Counter(uint64(i)))
		require.NoError(t, err)
		require.Equal(t, truncated[i], v, "counter %d", i)
		require.Equal(t, codes[i], Digits(v, 6), "counter %d", i)
	}
}

func TestTOTPVectors(t *testing.T) {
	tests := []struct {
		alg    Algorithm
		secret string
		time   uint64
		code   uint32
	}{
		{SHA1, "12345678901234567890", 59, 94287082},
		{SHA1, "12345678901234567890", 1111111109, 7081804},
		{SHA1, "12345678901234567890", 1111111111, 14050471},
		{SHA1, "12345678901234567890", 1234567890, 89005924},
		{SHA1, "12345678901234567890", 2000000000, 69279037},
		{SHA256, "12345678901234567890123456789012", 59, 46119246},
		{SHA256, "12345678901234567890123456789012", 1111111109, 68084774},
		{SHA256, "12345678901234567890123456789012", 1234567890, 91819424},
	}

	for _, tt := range tests {
		v, err := CalculateOATH(tt.alg, []byte(tt.secret), Counter(tt.time/30))
		require.NoError(t, err)
		require.Equal(t, tt.code, Digits(v, 8), "%s at %d", tt.alg, tt.time)
	}

	_, err := CalculateOATH(Algorithm(0x07), nil, nil)
	require.Error(t, err)
}

func TestDigits(t *testing.T) {
	require.Equal(t, uint32(755224), Digits(1284755224, 6))
	require.Equal(t, uint32(1284755224), Digits(1284755224, 0))
	require.Equal(t, uint32(1284755224), Digits(1284755224, 10))
	require.Equal(t, hex.EncodeToString(Counter(1)), "0000000000000001")
}

func TestSecretWipe(t *testing.T) {
	s := NewSecret(4)
	copy(s.Bytes(), []byte{1, 2, 3, 4})
	buf := s.Bytes()
	s.Wipe()
	require.Equal(t, []byte{0, 0, 0, 0}, buf)
	require.Empty(t, s.Bytes())
	s.Wipe()

	var nilSecret *Secret
	nilSecret.Wipe()
}

func TestGenerateAndSign(t *testing.T) {
	h, f := newHSM(t)

	_, err := h.PublicKey(SlotSign)
	require.Equal(t, ErrNoKey, err)
	_, err = h.Sign(SlotSign, make([]byte, 32))
	require.Equal(t, ErrNoKey, err)

	pub, err := h.GenerateKey(SlotSign)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("message"))
	sig, err := h.Sign(SlotSign, digest[:])
	require.NoError(t, err)
	require.Len(t, sig, 64)

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	require.True(t, ecdsa.Verify(pub, digest[:], r, s))

	// the stored public key survives a reload
	st, err := storage.New(f, testUID)
	require.NoError(t, err)
	require.NoError(t, st.Init())
	h2, err := New(st, testUID)
	require.NoError(t, err)
	got, err := h2.PublicKey(SlotSign)
	require.NoError(t, err)
	require.True(t, pub.Equal(got))

	sig, err = h2.Sign(SlotSign, digest[:])
	require.NoError(t, err)
	require.True(t, ecdsa.Verify(pub, digest[:], new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:])))

	_, err = h.GenerateKey(Slot(9))
	require.Equal(t, ErrInvalidSlot, err)
}

func TestWrappedKeyBoundToSlot(t *testing.T) {
	h, _ := newHSM(t)
	_, err := h.GenerateKey(SlotSign)
	require.NoError(t, err)

	ks, err := h.store.LoadKey(int(SlotSign))
	require.NoError(t, err)
	require.NoError(t, h.store.SaveKey(int(SlotAuth), ks))

	_, err = h.Sign(SlotAuth, make([]byte, 32))
	require.Equal(t, ErrUnwrap, err)
}

func TestWrappedKeyBoundToDevice(t *testing.T) {
	h, _ := newHSM(t)
	_, err := h.GenerateKey(SlotSign)
	require.NoError(t, err)

	other, err := New(h.store, []byte("another-device"))
	require.NoError(t, err)
	_, err = other.Sign(SlotSign, make([]byte, 32))
	require.Equal(t, ErrUnwrap, err)
}

func TestCredentialKey(t *testing.T) {
	h, _ := newHSM(t)
	rp := sha256.Sum256([]byte("example.com"))

	_, _, err := h.NewCredentialKey(rp)
	require.Equal(t, ErrNoKey, err)

	_, err = h.EnsureKey(SlotFIDO2)
	require.NoError(t, err)

	pub, wrapped, err := h.NewCredentialKey(rp)
	require.NoError(t, err)
	require.LessOrEqual(t, len(wrapped), storage.MaxWrappedKeyLen)

	msg := []byte("authData||clientDataHash")
	sig, err := h.SignCredential(rp, wrapped, msg)
	require.NoError(t, err)
	digest := sha256.Sum256(msg)
	require.True(t, ecdsa.VerifyASN1(pub, digest[:], sig))

	_, err = h.SignCredential(sha256.Sum256([]byte("example.org")), wrapped, msg)
	require.Equal(t, ErrUnwrap, err)

	// regenerating the master key invalidates existing credentials
	_, err = h.GenerateKey(SlotFIDO2)
	require.NoError(t, err)
	_, err = h.SignCredential(rp, wrapped, msg)
	require.Equal(t, ErrUnwrap, err)

	_, err = h.SignCredential(rp, []byte{1, 2, 3}, msg)
	require.Equal(t, ErrUnwrap, err)
}

func TestEnsureKeyIsStable(t *testing.T) {
	h, _ := newHSM(t)
	a, err := h.EnsureKey(SlotFIDO2)
	require.NoError(t, err)
	b, err := h.EnsureKey(SlotFIDO2)
	require.NoError(t, err)
	require.True(t, a.Equal(b))
}

func TestVerifyPIN(t *testing.T) {
	h, _ := newHSM(t)

	res, n := h.VerifyPIN([]byte("123456"))
	require.Equal(t, PINSuccess, res)
	require.Equal(t, 3, n)

	res, n = h.VerifyPIN([]byte("000000"))
	require.Equal(t, PINIncorrect, res)
	require.Equal(t, 2, n)

	// success restores the counter
	res, _ = h.VerifyPIN([]byte("123456"))
	require.Equal(t, PINSuccess, res)
	user, _, err := h.PINRetries()
	require.NoError(t, err)
	require.Equal(t, 3, user)

	for want := 2; want >= 0; want-- {
		res, n = h.VerifyPIN([]byte("000000"))
		require.Equal(t, PINIncorrect, res)
		require.Equal(t, want, n)
	}

	res, n = h.VerifyPIN([]byte("123456"))
	require.Equal(t, PINLocked, res)
	require.Equal(t, 0, n)

	// the admin PIN has its own counter
	_, admin, err := h.PINRetries()
	require.NoError(t, err)
	require.Equal(t, 3, admin)

	require.Equal(t, PINIncorrect, h.ResetRetries([]byte("wrong-admin")))
	require.Equal(t, PINSuccess, h.ResetRetries([]byte("12345678")))

	res, _ = h.VerifyPIN([]byte("123456"))
	require.Equal(t, PINSuccess, res)
	_, admin, err = h.PINRetries()
	require.NoError(t, err)
	require.Equal(t, 3, admin)
}

func TestAdminPINLock(t *testing.T) {
	h, _ := newHSM(t)
	for i := 0; i < MaxPINRetries; i++ {
		res, _ := h.VerifyAdminPIN([]byte("nope"))
		require.Equal(t, PINIncorrect, res)
	}
	res, _ := h.VerifyAdminPIN([]byte("12345678"))
	require.Equal(t, PINLocked, res)
	require.Equal(t, PINLocked, h.ResetRetries([]byte("12345678")))

	res, _ = h.VerifyPIN([]byte("123456"))
	require.Equal(t, PINSuccess, res)
}

func TestResetPIN(t *testing.T) {
	h, _ := newHSM(t)
	for i := 0; i < MaxPINRetries; i++ {
		h.VerifyPIN([]byte("000000"))
	}
	res, _ := h.VerifyPIN([]byte("123456"))
	require.Equal(t, PINLocked, res)

	require.Equal(t, PINError, h.ResetPIN([]byte("123")))
	require.Equal(t, PINSuccess, h.ResetPIN([]byte("654321")))

	user, _, err := h.PINRetries()
	require.NoError(t, err)
	require.Equal(t, MaxPINRetries, user)
	res, _ = h.VerifyPIN([]byte("123456"))
	require.Equal(t, PINIncorrect, res)
	res, _ = h.VerifyPIN([]byte("654321"))
	require.Equal(t, PINSuccess, res)

	st, err := h.Store().PinState()
	require.NoError(t, err)
	require.Equal(t, 6, st.PINLen)
}

func TestChangePIN(t *testing.T) {
	h, _ := newHSM(t)

	res, _ := h.ChangePIN([]byte("123456"), []byte("123"))
	require.Equal(t, PINError, res)

	res, n := h.ChangePIN([]byte("654321"), []byte("abcdef"))
	require.Equal(t, PINIncorrect, res)
	require.Equal(t, 2, n)

	res, _ = h.ChangePIN([]byte("123456"), []byte("abcdef"))
	require.Equal(t, PINSuccess, res)
	res, _ = h.VerifyPIN([]byte("123456"))
	require.Equal(t, PINIncorrect, res)
	res, _ = h.VerifyPIN([]byte("abcdef"))
	require.Equal(t, PINSuccess, res)

	res, _ = h.ChangeAdminPIN([]byte("12345678"), []byte("short"))
	require.Equal(t, PINError, res)
	res, _ = h.ChangeAdminPIN([]byte("12345678"), []byte("new-admin-pin"))
	require.Equal(t, PINSuccess, res)
	res, _ = h.VerifyAdminPIN([]byte("new-admin-pin"))
	require.Equal(t, PINSuccess, res)
}

func TestPINStorageFailure(t *testing.T) {
	h, f := newHSM(t)
	f.FailNext(1)
	res, _ := h.VerifyPIN([]byte("000000"))
	require.Equal(t, PINError, res)

	user, _, err := h.PINRetries()
	require.NoError(t, err)
	require.Equal(t, 3, user)
}
