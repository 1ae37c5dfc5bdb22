// Package openpgp implements the subset of the OpenPGP card application
// the token supports: PIN verification, P-256 key generation, signing and
// the GET DATA objects clients read during discovery.
package openpgp

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"io"

	"github.com/flynn/opentoken/hsm"
	"github.com/flynn/opentoken/iso7816"
	"github.com/flynn/opentoken/retry"
	"github.com/flynn/opentoken/storage"
	"github.com/rs/zerolog"
)

const (
	InsVerify       = 0x20
	InsChangePIN    = 0x24
	InsResetRetry   = 0x2C
	InsPSO          = 0x2A
	InsGenerate     = 0x47
	InsGetChallenge = 0x84
	InsGetData      = 0xCA
)

// VERIFY and CHANGE REFERENCE DATA P2 values.
const (
	PW1Sign  = 0x81
	PW1Other = 0x82
	PW3      = 0x83
)

// RESET RETRY COUNTER P1 when the admin PIN was verified beforehand.
const ResetAfterPW3 = 0x02

// GENERATE ASYMMETRIC KEY PAIR P1 values.
const (
	GenerateKey   = 0x80
	ReadPublicKey = 0x81
)

// Control reference templates naming a key.
const (
	CRTSign    = 0xB6
	CRTDecrypt = 0xB8
	CRTAuth    = 0xA4
)

// GET DATA objects.
const (
	TagAID         = 0x004F
	TagLoginData   = 0x005E
	TagCardholder  = 0x0065
	TagApplication = 0x006E
	TagHistorical  = 0x5F52
	TagPublicKey   = 0x7F49
	TagPWStatus    = 0x00C4

	tagName    = 0x5B
	tagECPoint = 0x86
)

const (
	pso9E9A = 0x9E9A

	defaultChallenge = 8
	maxChallenge     = 255

	defaultSerial = 0x00000001
	manufacturer  = 0xFFFE

	// maximum PIN length reported in the PW status bytes
	maxPINStatusLen = 0x7F
)

var (
	// RID and PIX prefix of the application identifier.
	aidPrefix  = []byte{0xD2, 0x76, 0x00, 0x01, 0x24, 0x01}
	version    = []byte{0x03, 0x04}
	historical = []byte{0x00, 0x31, 0xC5, 0x73, 0xC0, 0x01, 0x40, 0x05, 0x90, 0x00}
	loginData  = []byte("opentoken")
	cardholder = []byte("OpenToken User")
)

type Option func(*Applet)

func WithLogger(l zerolog.Logger) Option {
	return func(a *Applet) {
		a.log = l.With().Str("applet", "openpgp").Logger()
	}
}

// WithSerial sets the card serial number carried in the AID.
func WithSerial(serial uint32) Option {
	return func(a *Applet) {
		a.serial = serial
	}
}

// WithRetry sets the policy for key generation.
func WithRetry(p retry.Policy) Option {
	return func(a *Applet) {
		a.retry = p
	}
}

// Applet serves OpenPGP card commands from the HSM's sign, decrypt and
// auth slots. PIN verification lasts until the applet is selected again.
type Applet struct {
	hsm    *hsm.HSM
	serial uint32
	retry  retry.Policy
	log    zerolog.Logger

	userVerified  bool
	adminVerified bool
}

func New(h *hsm.HSM, opts ...Option) *Applet {
	a := &Applet{
		hsm:    h,
		serial: defaultSerial,
		retry:  retry.Crypto,
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Applet) Select(aid []byte) *iso7816.Response {
	a.userVerified = false
	a.adminVerified = false
	return iso7816.StatusResponse(iso7816.StatusOK)
}

func (a *Applet) Handle(ctx context.Context, cmd *iso7816.Command) *iso7816.Response {
	switch cmd.Ins {
	case InsVerify:
		return a.verify(cmd)
	case InsChangePIN:
		return a.changePIN(cmd)
	case InsResetRetry:
		return a.resetRetry(cmd)
	case InsGenerate:
		return a.generate(ctx, cmd)
	case InsPSO:
		return a.pso(cmd)
	case InsGetData:
		return a.getData(cmd)
	case InsGetChallenge:
		return a.challenge(cmd.Ne)
	}
	return iso7816.StatusResponse(iso7816.StatusInsNotSupported)
}

// AID returns the full application identifier: RID/PIX, version,
// manufacturer, serial and RFU.
func (a *Applet) AID() []byte {
	aid := make([]byte, 0, 16)
	aid = append(aid, aidPrefix...)
	aid = append(aid, version...)
	aid = binary.BigEndian.AppendUint16(aid, manufacturer)
	aid = binary.BigEndian.AppendUint32(aid, a.serial)
	return append(aid, 0x00, 0x00)
}

func pinStatus(res hsm.PINResult, retries int) *iso7816.Response {
	switch res {
	case hsm.PINSuccess:
		return iso7816.StatusResponse(iso7816.StatusOK)
	case hsm.PINIncorrect:
		return iso7816.StatusResponse(iso7816.RetriesRemaining(retries))
	case hsm.PINLocked:
		return iso7816.StatusResponse(iso7816.StatusAuthMethodBlocked)
	}
	return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
}

func (a *Applet) verify(cmd *iso7816.Command) *iso7816.Response {
	admin := false
	switch cmd.P2 {
	case PW1Sign, PW1Other:
	case PW3:
		admin = true
	default:
		return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
	}

	if len(cmd.Data) == 0 {
		user, adm, err := a.hsm.PINRetries()
		if err != nil {
			a.log.Error().Err(err).Msg("reading PIN state")
			return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
		}
		if admin {
			return iso7816.StatusResponse(iso7816.RetriesRemaining(adm))
		}
		return iso7816.StatusResponse(iso7816.RetriesRemaining(user))
	}

	var (
		res     hsm.PINResult
		retries int
	)
	if admin {
		res, retries = a.hsm.VerifyAdminPIN(cmd.Data)
		a.adminVerified = res == hsm.PINSuccess
	} else {
		res, retries = a.hsm.VerifyPIN(cmd.Data)
		a.userVerified = res == hsm.PINSuccess
	}
	a.log.Debug().Bool("admin", admin).Stringer("result", res).Int("retries", retries).Msg("verify")
	return pinStatus(res, retries)
}

// changePIN handles CHANGE REFERENCE DATA. The body is old‖new; the old
// PIN's length is the stored one.
func (a *Applet) changePIN(cmd *iso7816.Command) *iso7816.Response {
	if cmd.P2 != PW1Sign && cmd.P2 != PW3 {
		return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
	}
	admin := cmd.P2 == PW3

	st, err := a.hsm.Store().PinState()
	if err != nil {
		a.log.Error().Err(err).Msg("reading PIN state")
		return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
	}
	oldLen, minLen := st.PINLen, hsm.MinPINLen
	if admin {
		oldLen, minLen = st.AdminPINLen, hsm.MinAdminPINLen
	}
	if len(cmd.Data) < oldLen+minLen || len(cmd.Data)-oldLen > storage.MaxPINLen {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}
	old, next := cmd.Data[:oldLen], cmd.Data[oldLen:]

	var (
		res     hsm.PINResult
		retries int
	)
	if admin {
		res, retries = a.hsm.ChangeAdminPIN(old, next)
	} else {
		res, retries = a.hsm.ChangePIN(old, next)
	}
	a.log.Debug().Bool("admin", admin).Stringer("result", res).Msg("change PIN")
	return pinStatus(res, retries)
}

// resetRetry handles RESET RETRY COUNTER for PW1. Only the PW3-verified
// form is supported; the body is the new PIN.
func (a *Applet) resetRetry(cmd *iso7816.Command) *iso7816.Response {
	if cmd.P1 != ResetAfterPW3 || cmd.P2 != PW1Sign {
		return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
	}
	if !a.adminVerified {
		return iso7816.StatusResponse(iso7816.StatusSecurityNotSatisfied)
	}
	if len(cmd.Data) < hsm.MinPINLen || len(cmd.Data) > storage.MaxPINLen {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}
	if res := a.hsm.ResetPIN(cmd.Data); res != hsm.PINSuccess {
		return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
	}
	a.log.Info().Msg("user PIN reset")
	return iso7816.StatusResponse(iso7816.StatusOK)
}

func keySlot(data []byte) (hsm.Slot, bool) {
	if len(data) == 0 {
		return 0, false
	}
	switch data[0] {
	case CRTSign, 0x01:
		return hsm.SlotSign, true
	case CRTDecrypt, 0x02:
		return hsm.SlotDecrypt, true
	case CRTAuth, 0x03:
		return hsm.SlotAuth, true
	}
	return 0, false
}

// publicKeyDO encodes pub as a 7F49 template holding the uncompressed
// point in tag 86.
func publicKeyDO(pub *ecdsa.PublicKey) ([]byte, error) {
	point, err := pub.Bytes()
	if err != nil {
		return nil, err
	}
	return iso7816.AppendTLV(nil, TagPublicKey, iso7816.AppendTLV(nil, tagECPoint, point)), nil
}

func (a *Applet) generate(ctx context.Context, cmd *iso7816.Command) *iso7816.Response {
	if !a.adminVerified {
		return iso7816.StatusResponse(iso7816.StatusSecurityNotSatisfied)
	}
	slot, ok := keySlot(cmd.Data)
	if !ok {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}

	var (
		pub *ecdsa.PublicKey
		err error
	)
	switch cmd.P1 {
	case GenerateKey:
		pub, err = retry.Do(ctx, a.retry, func() (*ecdsa.PublicKey, error) {
			return a.hsm.GenerateKey(slot)
		})
		if err != nil {
			a.log.Error().Err(err).Stringer("slot", slot).Msg("key generation failed")
			return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
		}
		a.log.Info().Stringer("slot", slot).Msg("key generated")
	case ReadPublicKey:
		pub, err = a.hsm.PublicKey(slot)
		if errors.Is(err, hsm.ErrNoKey) {
			return iso7816.StatusResponse(iso7816.StatusReferencedDataNotFound)
		}
		if err != nil {
			a.log.Error().Err(err).Stringer("slot", slot).Msg("reading public key")
			return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
		}
	default:
		return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
	}

	do, err := publicKeyDO(pub)
	if err != nil {
		return iso7816.StatusResponse(iso7816.StatusUnknown)
	}
	return iso7816.NewResponse(do, iso7816.StatusOK)
}

// pso handles PERFORM SECURITY OPERATION: COMPUTE DIGITAL SIGNATURE. The
// data is signed as given; hosts send a digest or a DigestInfo.
func (a *Applet) pso(cmd *iso7816.Command) *iso7816.Response {
	if cmd.P1P2() != pso9E9A {
		return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
	}
	if !a.userVerified {
		return iso7816.StatusResponse(iso7816.StatusSecurityNotSatisfied)
	}
	if len(cmd.Data) == 0 {
		return iso7816.StatusResponse(iso7816.StatusWrongLength)
	}
	sig, err := a.hsm.Sign(hsm.SlotSign, cmd.Data)
	if errors.Is(err, hsm.ErrNoKey) {
		return iso7816.StatusResponse(iso7816.StatusReferencedDataNotFound)
	}
	if err != nil {
		a.log.Error().Err(err).Msg("signing failed")
		return iso7816.StatusResponse(iso7816.StatusUnknown)
	}
	return iso7816.NewResponse(sig, iso7816.StatusOK)
}

func (a *Applet) getData(cmd *iso7816.Command) *iso7816.Response {
	var data []byte
	switch cmd.P1P2() {
	case TagAID:
		data = a.AID()
	case TagLoginData:
		data = loginData
	case TagCardholder:
		data = iso7816.AppendTLV(nil, tagName, cardholder)
	case TagApplication:
		var inner []byte
		inner = iso7816.AppendTLV(inner, TagAID, a.AID())
		inner = iso7816.AppendTLV(inner, TagHistorical, historical)
		data = iso7816.AppendTLV(nil, TagApplication, inner)
	case TagHistorical:
		data = historical
	case TagPublicKey:
		pub, err := a.hsm.PublicKey(hsm.SlotSign)
		if errors.Is(err, hsm.ErrNoKey) {
			return iso7816.StatusResponse(iso7816.StatusReferencedDataNotFound)
		}
		if err != nil {
			return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
		}
		if data, err = publicKeyDO(pub); err != nil {
			return iso7816.StatusResponse(iso7816.StatusUnknown)
		}
	case TagPWStatus:
		user, admin, err := a.hsm.PINRetries()
		if err != nil {
			return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
		}
		data = []byte{0x01, maxPINStatusLen, maxPINStatusLen, maxPINStatusLen, byte(user), 0x00, byte(admin)}
	default:
		return iso7816.StatusResponse(iso7816.StatusReferencedDataNotFound)
	}
	return iso7816.NewResponse(data, iso7816.StatusOK)
}

func (a *Applet) challenge(ne int) *iso7816.Response {
	n := ne
	if n <= 0 {
		n = defaultChallenge
	}
	n = min(n, maxChallenge)
	buf := make([]byte, n)
	if _, err := io.ReadFull(a.hsm.Rand(), buf); err != nil {
		a.log.Error().Err(err).Msg("reading randomness")
		return iso7816.StatusResponse(iso7816.StatusUnknown)
	}
	return iso7816.NewResponse(buf, iso7816.StatusOK)
}
