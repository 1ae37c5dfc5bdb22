// Package oath implements the YubiKey-compatible OATH applet: HOTP and
// TOTP accounts stored in the token and calculated on request.
package oath

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"

	"github.com/flynn/opentoken/hsm"
	"github.com/flynn/opentoken/iso7816"
	"github.com/flynn/opentoken/storage"
	"github.com/rs/zerolog"
)

const (
	InsPut          = 0x01
	InsDelete       = 0x02
	InsSetCode      = 0x03
	InsReset        = 0x04
	InsList         = 0xA1
	InsCalculate    = 0xA2
	InsValidate     = 0xA3
	InsCalculateAll = 0xA4
)

const (
	TagName       = 0x71
	TagNameList   = 0x72
	TagKey        = 0x73
	TagChallenge  = 0x74
	TagProperty   = 0x75
	TagResponse   = 0x76
	TagNoResponse = 0x77
	TagIMF        = 0x7A
)

// Property byte: type in the high nibble, hash in the low nibble.
const (
	TypeHOTP   = 0x10
	TypeTOTP   = 0x20
	HashSHA1   = 0x01
	HashSHA256 = 0x02

	typeMask = 0xF0
	hashMask = 0x0F

	DefaultProperty = TypeTOTP | HashSHA1
	DefaultDigits   = 6
	MinDigits       = 6
	MaxDigits       = 8

	// Period is the TOTP time step.
	Period = 30 * time.Second
)

type Option func(*Applet)

func WithLogger(l zerolog.Logger) Option {
	return func(a *Applet) {
		a.log = l.With().Str("applet", "oath").Logger()
	}
}

// WithClock sets the time source used for TOTP when the host sends no
// challenge.
func WithClock(now func() time.Time) Option {
	return func(a *Applet) {
		a.now = now
	}
}

// Applet stores accounts in the token's storage and calculates codes.
type Applet struct {
	store *storage.Store
	now   func() time.Time
	log   zerolog.Logger
}

func New(store *storage.Store, opts ...Option) *Applet {
	a := &Applet{
		store: store,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Applet) Select(aid []byte) *iso7816.Response {
	return iso7816.StatusResponse(iso7816.StatusOK)
}

func (a *Applet) Handle(ctx context.Context, cmd *iso7816.Command) *iso7816.Response {
	switch cmd.Ins {
	case InsPut:
		return a.put(cmd.Data)
	case InsDelete:
		return a.delete(cmd.Data)
	case InsSetCode, InsValidate:
		return iso7816.StatusResponse(iso7816.StatusOK)
	case InsReset:
		if err := a.store.ResetOath(); err != nil {
			return a.storageError("reset", err)
		}
		a.log.Info().Msg("reset")
		return iso7816.StatusResponse(iso7816.StatusOK)
	case InsList:
		return a.list()
	case InsCalculate:
		return a.calculate(cmd.Data)
	case InsCalculateAll:
		return a.calculateAll(cmd.Data)
	}
	return iso7816.StatusResponse(iso7816.StatusInsNotSupported)
}

type request struct {
	name      []byte
	key       []byte
	property  []byte
	challenge []byte
	imf       []byte
}

func parseRequest(data []byte) (*request, error) {
	req := &request{}
	r := iso7816.NewTLVReader(data)
	for {
		tlv, err := r.Next()
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		if err != nil {
			return nil, err
		}
		switch tlv.Tag {
		case TagName:
			req.name = tlv.Value
		case TagKey:
			req.key = tlv.Value
		case TagProperty:
			req.property = tlv.Value
		case TagChallenge:
			req.challenge = tlv.Value
		case TagIMF:
			req.imf = tlv.Value
		}
	}
}

func validProperty(p byte) bool {
	t, h := p&typeMask, p&hashMask
	return (t == TypeHOTP || t == TypeTOTP) && (h == HashSHA1 || h == HashSHA256)
}

// applyProperty sets the account type, hash and optionally the code
// length from a property tag: [type|hash] or [type|hash][digits].
func applyProperty(acct *storage.OathAccount, v []byte) bool {
	switch len(v) {
	case 2:
		if v[1] < MinDigits || v[1] > MaxDigits {
			return false
		}
		acct.Digits = int(v[1])
	case 1:
	default:
		return false
	}
	acct.Property = v[0]
	return validProperty(acct.Property)
}

func (a *Applet) put(data []byte) *iso7816.Response {
	req, err := parseRequest(data)
	if err != nil {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}
	if len(req.name) == 0 || len(req.key) == 0 {
		return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
	}

	acct := &storage.OathAccount{
		Name:     req.name,
		Secret:   req.key,
		Property: DefaultProperty,
		Digits:   DefaultDigits,
	}
	if len(req.property) > 0 && !applyProperty(acct, req.property) {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}

	if len(req.imf) > 0 {
		if len(req.imf) > 4 {
			return iso7816.StatusResponse(iso7816.StatusWrongData)
		}
		var buf [4]byte
		copy(buf[4-len(req.imf):], req.imf)
		acct.Counter = binary.BigEndian.Uint32(buf[:])
	}

	idx, err := a.store.SaveOath(acct)
	switch {
	case errors.Is(err, storage.ErrFull):
		return iso7816.StatusResponse(iso7816.StatusCommandNotAllowed)
	case errors.Is(err, storage.ErrTooLarge):
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	case err != nil:
		return a.storageError("put", err)
	}
	a.log.Debug().Int("slot", idx).Uint8("property", acct.Property).Int("digits", acct.Digits).Msg("account saved")
	return iso7816.StatusResponse(iso7816.StatusOK)
}

func (a *Applet) delete(data []byte) *iso7816.Response {
	req, err := parseRequest(data)
	if err != nil {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}
	if len(req.name) == 0 {
		return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
	}
	err = a.store.DeleteOath(req.name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return iso7816.StatusResponse(iso7816.StatusFileNotFound)
	case err != nil:
		return a.storageError("delete", err)
	}
	return iso7816.StatusResponse(iso7816.StatusOK)
}

func (a *Applet) list() *iso7816.Response {
	accts, err := a.store.ListOath()
	if err != nil {
		return a.storageError("list", err)
	}
	var out []byte
	for _, acct := range accts {
		var entry []byte
		entry = iso7816.AppendTLV(entry, TagName, acct.Name)
		entry = iso7816.AppendTLV(entry, TagProperty, []byte{acct.Property})
		out = iso7816.AppendTLV(out, TagNameList, entry)
	}
	return iso7816.NewResponse(out, iso7816.StatusOK)
}

// timeStep returns the 8-byte moving factor for TOTP: the host's
// challenge when given, else the clock.
func (a *Applet) timeStep(challenge []byte) ([]byte, bool) {
	if len(challenge) == 0 {
		return hsm.Counter(uint64(a.now().Unix()) / uint64(Period/time.Second)), true
	}
	if len(challenge) > 8 {
		return nil, false
	}
	step := make([]byte, 8)
	copy(step[8-len(challenge):], challenge)
	return step, true
}

func code(acct *storage.OathAccount, factor []byte) (uint32, error) {
	c, err := hsm.CalculateOATH(hsm.Algorithm(acct.Property&hashMask), acct.Secret, factor)
	if err != nil {
		return 0, err
	}
	return hsm.Digits(c, acct.Digits), nil
}

func responseValue(digits int, c uint32) []byte {
	v := make([]byte, 5)
	v[0] = byte(digits)
	binary.BigEndian.PutUint32(v[1:], c)
	return v
}

func (a *Applet) calculate(data []byte) *iso7816.Response {
	req, err := parseRequest(data)
	if err != nil {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}
	if len(req.name) == 0 {
		return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
	}

	idx, err := a.store.FindOath(req.name)
	if errors.Is(err, storage.ErrNotFound) {
		return iso7816.StatusResponse(iso7816.StatusFileNotFound)
	}
	if err != nil {
		return a.storageError("calculate", err)
	}
	acct, err := a.store.LoadOath(idx)
	if err != nil {
		return a.storageError("calculate", err)
	}

	var factor []byte
	if acct.Property&typeMask == TypeHOTP {
		// the counter is advanced and committed before the code is released
		if acct.Counter == math.MaxUint32 {
			return iso7816.StatusResponse(iso7816.StatusConditionsNotSatisfied)
		}
		factor = hsm.Counter(uint64(acct.Counter))
		if err := a.store.SetOathCounter(idx, acct.Counter+1); err != nil {
			return a.storageError("calculate", err)
		}
	} else {
		var ok bool
		if factor, ok = a.timeStep(req.challenge); !ok {
			return iso7816.StatusResponse(iso7816.StatusWrongData)
		}
	}

	c, err := code(acct, factor)
	if err != nil {
		a.log.Debug().Err(err).Msg("calculate failed")
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}
	return iso7816.NewResponse(iso7816.AppendTLV(nil, TagResponse, responseValue(acct.Digits, c)), iso7816.StatusOK)
}

func (a *Applet) calculateAll(data []byte) *iso7816.Response {
	req, err := parseRequest(data)
	if err != nil {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}
	factor, ok := a.timeStep(req.challenge)
	if !ok {
		return iso7816.StatusResponse(iso7816.StatusWrongData)
	}

	accts, err := a.store.ListOath()
	if err != nil {
		return a.storageError("calculate all", err)
	}
	var out []byte
	for _, acct := range accts {
		if acct.Property&typeMask != TypeTOTP {
			continue
		}
		c, err := code(acct, factor)
		if err != nil {
			a.log.Debug().Err(err).Msg("calculate failed")
			continue
		}
		var entry []byte
		entry = iso7816.AppendTLV(entry, TagName, acct.Name)
		entry = iso7816.AppendTLV(entry, TagResponse, responseValue(acct.Digits, c))
		out = iso7816.AppendTLV(out, TagNameList, entry)
	}
	return iso7816.NewResponse(out, iso7816.StatusOK)
}

func (a *Applet) storageError(op string, err error) *iso7816.Response {
	a.log.Error().Err(err).Str("op", op).Msg("storage failure")
	return iso7816.StatusResponse(iso7816.StatusMemoryFailure)
}
