// Package tokenhid talks to OpenToken and other FIDO authenticators over
// USB HID, using the CTAPHID framing.
package tokenhid

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flynn/hid"
	"github.com/flynn/opentoken/ctaphid"
	"github.com/flynn/opentoken/iso7816"
	"github.com/flynn/opentoken/retry"
	"github.com/rs/zerolog"
)

const (
	fidoUsagePage = 0xF1D0
	fidoUsage     = 1

	// DefaultTimeout bounds the wait for each response frame. KEEPALIVE
	// frames restart it.
	DefaultTimeout = 3 * time.Second

	nonceLen = 8
)

var (
	ErrTimeout = errors.New("tokenhid: timed out waiting for response")
	ErrClosed  = errors.New("tokenhid: device closed")
)

// Devices lists attached FIDO HID devices.
func Devices() ([]*hid.DeviceInfo, error) {
	devices, err := hid.Devices()
	if err != nil {
		return nil, err
	}

	var res []*hid.DeviceInfo
	for _, d := range devices {
		if d.UsagePage == fidoUsagePage && d.Usage == fidoUsage {
			res = append(res, d)
		}
	}
	return res, nil
}

// Conn carries raw HID reports. hid.Device implements it.
type Conn interface {
	Write([]byte) error
	ReadCh() <-chan []byte
	ReadError() error
	Close()
}

// Device is an open CTAPHID channel to an authenticator.
type Device struct {
	info    *hid.DeviceInfo
	conn    Conn
	cid     uint32
	timeout time.Duration
	log     zerolog.Logger

	mtx sync.Mutex

	ProtocolVersion    uint8
	MajorDeviceVersion uint8
	MinorDeviceVersion uint8
	BuildDeviceVersion uint8
	RawCapabilities    uint8

	CapabilityWink bool
	CapabilityCBOR bool
	CapabilityNMSG bool
}

type Option func(*Device)

func WithTimeout(d time.Duration) Option {
	return func(dev *Device) {
		dev.timeout = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(dev *Device) {
		dev.log = l.With().Str("component", "tokenhid").Logger()
	}
}

// Open opens the HID device and allocates a channel on it.
func Open(ctx context.Context, info *hid.DeviceInfo, opts ...Option) (*Device, error) {
	conn, err := retry.Do(ctx, retry.Transport, func() (hid.Device, error) {
		return info.Open()
	})
	if err != nil {
		return nil, fmt.Errorf("tokenhid: opening %s: %w", info.Path, err)
	}

	d, err := NewDevice(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	d.info = info
	return d, nil
}

// NewDevice runs the INIT handshake over conn.
func NewDevice(conn Conn, opts ...Option) (*Device, error) {
	d := &Device{
		conn:    conn,
		cid:     ctaphid.BroadcastCID,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}

	res, err := d.Command(ctaphid.CmdInit, nonce)
	if err != nil {
		return err
	}
	if len(res) < 17 {
		return fmt.Errorf("tokenhid: INIT response too short (%d bytes)", len(res))
	}
	if !bytes.Equal(nonce, res[:nonceLen]) {
		return errors.New("tokenhid: INIT nonce mismatch")
	}

	d.cid = binary.LittleEndian.Uint32(res[8:12])
	d.ProtocolVersion = res[12]
	d.MajorDeviceVersion = res[13]
	d.MinorDeviceVersion = res[14]
	d.BuildDeviceVersion = res[15]
	d.RawCapabilities = res[16]
	d.CapabilityWink = d.RawCapabilities&ctaphid.CapabilityWink != 0
	d.CapabilityCBOR = d.RawCapabilities&ctaphid.CapabilityCBOR != 0
	d.CapabilityNMSG = d.RawCapabilities&ctaphid.CapabilityNMsg != 0

	d.log.Debug().Uint32("cid", d.cid).Uint8("caps", d.RawCapabilities).Msg("channel allocated")
	return nil
}

// Info returns the HID device info, nil for devices built with NewDevice.
func (d *Device) Info() *hid.DeviceInfo {
	return d.info
}

// CID returns the allocated channel.
func (d *Device) CID() uint32 {
	return d.cid
}

// Command sends a CTAPHID request on the device channel and returns the
// response payload. ERROR frames are returned as a ctaphid.ErrorCode.
func (d *Device) Command(cmd ctaphid.Command, data []byte) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.send(cmd, data); err != nil {
		return nil, err
	}
	return d.receive(cmd)
}

func (d *Device) send(cmd ctaphid.Command, data []byte) error {
	reports, err := ctaphid.Fragment(d.cid, cmd, data)
	if err != nil {
		return err
	}

	// write buffer is 65 bytes because of the report ID
	buf := make([]byte, ctaphid.ReportSize+1)
	for _, r := range reports {
		copy(buf[1:], r)
		if err := d.conn.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) receive(cmd ctaphid.Command) ([]byte, error) {
	var asm ctaphid.Assembler
	timeout := time.NewTimer(d.timeout)
	defer timeout.Stop()

	for {
		select {
		case report, ok := <-d.conn.ReadCh():
			if !ok {
				if err := d.conn.ReadError(); err != nil {
					return nil, err
				}
				return nil, ErrClosed
			}
			p, err := ctaphid.ParsePacket(report)
			if err != nil {
				return nil, err
			}
			if p.CID != d.cid {
				continue
			}
			msg, err := asm.Add(p)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				continue
			}

			switch msg.Cmd {
			case ctaphid.CmdKeepalive:
				if len(msg.Data) == 1 && msg.Data[0] == ctaphid.KeepaliveUPNeeded {
					d.log.Debug().Msg("waiting for user presence")
				}
				timeout.Reset(d.timeout)
			case ctaphid.CmdError:
				if len(msg.Data) != 1 {
					return nil, fmt.Errorf("tokenhid: invalid error response %x", msg.Data)
				}
				return nil, ctaphid.ErrorCode(msg.Data[0])
			case cmd:
				return msg.Data, nil
			default:
				return nil, fmt.Errorf("tokenhid: unexpected %s response to %s", msg.Cmd, cmd)
			}
		case <-timeout.C:
			return nil, ErrTimeout
		}
	}
}

// CBOR sends a CTAP2 command and returns its status byte and response.
func (d *Device) CBOR(data []byte) ([]byte, error) {
	if !d.CapabilityCBOR {
		return nil, errors.New("tokenhid: device does not support CBOR")
	}
	return d.Command(ctaphid.CmdCbor, data)
}

// APDU sends a command APDU through the vendor tunnel and returns
// data‖SW. 61xx responses are followed up with GET RESPONSE until the
// whole reply has been read.
func (d *Device) APDU(apdu []byte) ([]byte, error) {
	res, err := d.Command(ctaphid.CmdAPDU, apdu)
	if err != nil {
		return nil, err
	}

	var data []byte
	for {
		r, err := iso7816.ParseResponse(res)
		if err != nil {
			return nil, err
		}
		data = append(data, r.Data...)
		ne, more := r.Status.MoreData()
		if !more {
			return append(data, r.Status.SW1(), r.Status.SW2()), nil
		}

		getResponse, err := iso7816.NewCommand(0x00, 0xC0, 0x00, 0x00, nil, ne).Bytes()
		if err != nil {
			return nil, err
		}
		if res, err = d.Command(ctaphid.CmdAPDU, getResponse); err != nil {
			return nil, err
		}
	}
}

// Ping sends data to the device and returns what it echoes back.
func (d *Device) Ping(data []byte) ([]byte, error) {
	return d.Command(ctaphid.CmdPing, data)
}

// Wink asks the device to identify itself, usually by blinking a LED.
func (d *Device) Wink() error {
	if !d.CapabilityWink {
		return errors.New("tokenhid: device does not support wink")
	}
	_, err := d.Command(ctaphid.CmdWink, nil)
	return err
}

// Lock reserves the device for this channel for up to 10 seconds. Zero
// releases the lock.
func (d *Device) Lock(seconds uint8) error {
	_, err := d.Command(ctaphid.CmdLock, []byte{seconds})
	return err
}

func (d *Device) Close() {
	d.conn.Close()
}
