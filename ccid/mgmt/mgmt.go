// Package mgmt answers the legacy YubiKey management and OTP applets just
// far enough for host tooling to identify the token.
package mgmt

import (
	"context"
	"encoding/binary"

	"github.com/flynn/opentoken/iso7816"
	"github.com/rs/zerolog"
)

// Capability bits reported by GET_VERSION.
const (
	CapOTP     = 0x01
	CapCCID    = 0x02
	CapFIDO2   = 0x04
	CapOATH    = 0x08
	CapPIV     = 0x10
	CapOpenPGP = 0x20

	DefaultCaps = CapCCID | CapFIDO2 | CapOATH | CapOpenPGP
)

const (
	InsAPIRequest    = 0x01
	InsOTPNDEF       = 0x02
	InsGetSerial     = 0x10
	InsSetDeviceInfo = 0x15
	InsSetMode       = 0x16
	InsGetVersion    = 0x1D
	InsReset         = 0x1F
)

// Version is a firmware version.
type Version struct {
	Major, Minor, Patch byte
}

var DefaultVersion = Version{5, 4, 3}

type Option func(*Applet)

func WithLogger(l zerolog.Logger) Option {
	return func(a *Applet) {
		a.log = l.With().Str("applet", "manager").Logger()
	}
}

func WithSerial(serial uint32) Option {
	return func(a *Applet) {
		a.serial = serial
	}
}

func WithVersion(v Version) Option {
	return func(a *Applet) {
		a.version = v
	}
}

func WithCapabilities(caps byte) Option {
	return func(a *Applet) {
		a.caps = caps
	}
}

type Applet struct {
	serial  uint32
	version Version
	caps    byte
	log     zerolog.Logger
}

func New(opts ...Option) *Applet {
	a := &Applet{
		serial:  1,
		version: DefaultVersion,
		caps:    DefaultCaps,
		log:     zerolog.Nop(),
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
	if cmd.Cla != 0x00 {
		return iso7816.StatusResponse(iso7816.StatusClaNotSupported)
	}
	switch cmd.Ins {
	case InsGetVersion:
		if cmd.P1P2() != 0 {
			return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
		}
		v := a.version
		return iso7816.NewResponse([]byte{v.Major, v.Minor, v.Patch, a.caps, a.caps, 0x04}, iso7816.StatusOK)
	case InsGetSerial:
		if cmd.P1P2() != 0 {
			return iso7816.StatusResponse(iso7816.StatusIncorrectP1P2)
		}
		return iso7816.NewResponse(binary.BigEndian.AppendUint32(nil, a.serial), iso7816.StatusOK)
	case InsSetMode, InsReset, InsSetDeviceInfo, InsOTPNDEF, InsAPIRequest:
		a.log.Debug().Uint8("ins", cmd.Ins).Msg("acknowledged")
		return iso7816.StatusResponse(iso7816.StatusOK)
	}
	return iso7816.StatusResponse(iso7816.StatusInsNotSupported)
}
