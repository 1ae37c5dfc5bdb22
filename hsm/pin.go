package hsm

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/flynn/opentoken/storage"
)

// PINResult is the outcome of a PIN check.
type PINResult int

const (
	PINSuccess PINResult = iota
	PINIncorrect
	PINLocked
	PINError
)

func (r PINResult) String() string {
	switch r {
	case PINSuccess:
		return "success"
	case PINIncorrect:
		return "incorrect"
	case PINLocked:
		return "locked"
	}
	return "error"
}

// Minimum PIN lengths, as for the OpenPGP card PW1 and PW3.
const (
	MinPINLen      = 6
	MinAdminPINLen = 8
	MaxPINRetries  = storage.MaxPINRetries
)

type pinRef int

const (
	userPIN pinRef = iota
	adminPIN
)

func (r pinRef) String() string {
	if r == adminPIN {
		return "admin"
	}
	return "user"
}

func (r pinRef) retries(st *storage.PinState) *int {
	if r == adminPIN {
		return &st.AdminRetries
	}
	return &st.Retries
}

func (r pinRef) hash(st *storage.PinState) *[32]byte {
	if r == adminPIN {
		return &st.AdminPINHash
	}
	return &st.PINHash
}

// VerifyPIN checks the user PIN and returns the result with the number of
// attempts left.
func (h *HSM) VerifyPIN(pin []byte) (PINResult, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifyLocked(userPIN, pin)
}

// VerifyAdminPIN checks the admin PIN against its own counter.
func (h *HSM) VerifyAdminPIN(pin []byte) (PINResult, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifyLocked(adminPIN, pin)
}

func (h *HSM) verifyLocked(ref pinRef, pin []byte) (PINResult, int) {
	st, err := h.store.PinState()
	if err != nil {
		h.log.Error().Err(err).Msg("loading PIN state")
		return PINError, 0
	}

	retries := ref.retries(&st)
	if *retries <= 0 {
		return PINLocked, 0
	}

	sum := sha256.Sum256(pin)
	stored := ref.hash(&st)
	if subtle.ConstantTimeCompare(sum[:], stored[:]) == 1 {
		if *retries != MaxPINRetries {
			*retries = MaxPINRetries
			if err := h.store.SetPinState(st); err != nil {
				h.log.Error().Err(err).Msg("resetting PIN retries")
				return PINError, 0
			}
		}
		return PINSuccess, MaxPINRetries
	}

	*retries--
	if err := h.store.SetPinState(st); err != nil {
		h.log.Error().Err(err).Msg("decrementing PIN retries")
		return PINError, 0
	}
	h.log.Warn().Stringer("pin", ref).Int("retries", *retries).Msg("PIN mismatch")
	return PINIncorrect, *retries
}

// PINRetries returns the attempts left for the user PIN and the admin PIN.
func (h *HSM) PINRetries() (user, admin int, err error) {
	st, err := h.store.PinState()
	if err != nil {
		return 0, 0, err
	}
	return st.Retries, st.AdminRetries, nil
}

// ResetRetries restores the user PIN counter if adminPIN is correct.
func (h *HSM) ResetRetries(adminPINValue []byte) PINResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	if res, _ := h.verifyLocked(adminPIN, adminPINValue); res != PINSuccess {
		return res
	}
	st, err := h.store.PinState()
	if err != nil {
		return PINError
	}
	st.Retries = MaxPINRetries
	if err := h.store.SetPinState(st); err != nil {
		h.log.Error().Err(err).Msg("resetting PIN retries")
		return PINError
	}
	h.log.Info().Msg("user PIN retries reset")
	return PINSuccess
}

// ResetPIN replaces the user PIN and restores its counter without the old
// PIN. Callers gate it on admin verification.
func (h *HSM) ResetPIN(next []byte) PINResult {
	if len(next) < MinPINLen || len(next) > storage.MaxPINLen {
		return PINError
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st, err := h.store.PinState()
	if err != nil {
		h.log.Error().Err(err).Msg("loading PIN state")
		return PINError
	}
	st.PINHash = sha256.Sum256(next)
	st.PINLen = len(next)
	st.Retries = MaxPINRetries
	if err := h.store.SetPinState(st); err != nil {
		h.log.Error().Err(err).Msg("resetting PIN")
		return PINError
	}
	h.log.Info().Msg("user PIN reset")
	return PINSuccess
}

// ChangePIN replaces the user PIN after verifying old. A new PIN outside
// the allowed length returns PINError without touching the counter.
func (h *HSM) ChangePIN(old, next []byte) (PINResult, int) {
	return h.change(userPIN, old, next, MinPINLen)
}

// ChangeAdminPIN replaces the admin PIN after verifying old.
func (h *HSM) ChangeAdminPIN(old, next []byte) (PINResult, int) {
	return h.change(adminPIN, old, next, MinAdminPINLen)
}

func (h *HSM) change(ref pinRef, old, next []byte, minLen int) (PINResult, int) {
	if len(next) < minLen || len(next) > storage.MaxPINLen {
		return PINError, 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	res, n := h.verifyLocked(ref, old)
	if res != PINSuccess {
		return res, n
	}
	st, err := h.store.PinState()
	if err != nil {
		return PINError, 0
	}
	*ref.hash(&st) = sha256.Sum256(next)
	if ref == adminPIN {
		st.AdminPINLen = len(next)
	} else {
		st.PINLen = len(next)
	}
	if err := h.store.SetPinState(st); err != nil {
		h.log.Error().Err(err).Msg("changing PIN")
		return PINError, 0
	}
	h.log.Info().Stringer("pin", ref).Msg("PIN changed")
	return PINSuccess, MaxPINRetries
}
