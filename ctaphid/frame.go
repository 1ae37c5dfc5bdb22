// Package ctaphid implements the CTAPHID framing used to carry CTAP2
// messages over 64-byte HID reports, and an authenticator-side server
// that dispatches them.
package ctaphid

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	ReportSize = 64

	initHeaderLen = 7
	contHeaderLen = 5
	initDataLen   = ReportSize - initHeaderLen // 57
	contDataLen   = ReportSize - contHeaderLen // 59
	maxSeq        = 0x7F

	// MaxMessageSize is the largest payload that fits in one init frame
	// and 128 continuation frames.
	MaxMessageSize = initDataLen + (maxSeq+1)*contDataLen

	// BroadcastCID is used by hosts that have not allocated a channel yet.
	BroadcastCID uint32 = 0xFFFFFFFF

	initFlag = 0x80
)

type Command byte

const (
	CmdPing      Command = 0x01 // Echo data through local processor only
	CmdMsg       Command = 0x03 // Send CTAP message frame
	CmdLock      Command = 0x04 // Send lock channel command
	CmdInit      Command = 0x06 // Channel initialization
	CmdWink      Command = 0x08 // Send device identification wink
	CmdCbor      Command = 0x10 // Send encapsulated CTAP CBOR
	CmdCancel    Command = 0x11 // Cancel outstanding request
	CmdKeepalive Command = 0x3B // Processing status while a request runs
	CmdError     Command = 0x3F // Error response
	CmdAPDU      Command = 0x70 // Raw ISO 7816 APDU for the CCID engine

	vendorSpecificFirstCmd = 0x40
	vendorSpecificLastCmd  = 0x7F
)

func (c Command) IsVendorSpecific() bool {
	return c >= vendorSpecificFirstCmd && c <= vendorSpecificLastCmd
}

func (c Command) String() string {
	switch c {
	case CmdPing:
		return "CmdPing"
	case CmdMsg:
		return "CmdMsg"
	case CmdLock:
		return "CmdLock"
	case CmdInit:
		return "CmdInit"
	case CmdWink:
		return "CmdWink"
	case CmdCbor:
		return "CmdCbor"
	case CmdCancel:
		return "CmdCancel"
	case CmdKeepalive:
		return "CmdKeepalive"
	case CmdError:
		return "CmdError"
	case CmdAPDU:
		return "CmdAPDU"
	}
	if c.IsVendorSpecific() {
		return fmt.Sprintf("CmdVendor<%d>", c)
	}
	return fmt.Sprintf("CmdUnknown<%d>", c)
}

// ErrorCode is the single payload byte of a CmdError response.
type ErrorCode byte

const (
	ErrInvalidCmd     ErrorCode = 0x01
	ErrInvalidPar     ErrorCode = 0x02
	ErrInvalidLen     ErrorCode = 0x03
	ErrInvalidSeq     ErrorCode = 0x04
	ErrMsgTimeout     ErrorCode = 0x05
	ErrChannelBusy    ErrorCode = 0x06
	ErrLockRequired   ErrorCode = 0x0A
	ErrInvalidChannel ErrorCode = 0x0B
	ErrOther          ErrorCode = 0x7F
)

var errorCodeNames = map[ErrorCode]string{
	ErrInvalidCmd:     "ERR_INVALID_CMD",
	ErrInvalidPar:     "ERR_INVALID_PAR",
	ErrInvalidLen:     "ERR_INVALID_LEN",
	ErrInvalidSeq:     "ERR_INVALID_SEQ",
	ErrMsgTimeout:     "ERR_MSG_TIMEOUT",
	ErrChannelBusy:    "ERR_CHANNEL_BUSY",
	ErrLockRequired:   "ERR_LOCK_REQUIRED",
	ErrInvalidChannel: "ERR_INVALID_CHANNEL",
	ErrOther:          "ERR_OTHER",
}

func (e ErrorCode) String() string {
	if s, ok := errorCodeNames[e]; ok {
		return s
	}
	return fmt.Sprintf("ERR_UNKNOWN<%#x>", byte(e))
}

func (e ErrorCode) Error() string {
	return "ctaphid: " + e.String()
}

// Keepalive status bytes.
const (
	KeepaliveProcessing byte = 0x01
	KeepaliveUPNeeded   byte = 0x02
)

// Capability flags returned in the CmdInit response.
const (
	CapabilityWink = 0x01
	CapabilityCBOR = 0x04
	CapabilityNMsg = 0x08
)

var (
	ErrShortReport = errors.New("ctaphid: report must be 64 bytes")
	ErrTooLarge    = errors.New("ctaphid: message too large")

	errUnexpectedContinuation = errors.New("ctaphid: continuation without init frame")
)

// Packet is one decoded HID report.
type Packet struct {
	CID  uint32
	Init bool

	// Init frames only.
	Cmd    Command
	Length int

	// Continuation frames only.
	Seq byte

	Data []byte
}

// ParsePacket decodes a 64-byte report. Data aliases report.
func ParsePacket(report []byte) (*Packet, error) {
	if len(report) != ReportSize {
		return nil, ErrShortReport
	}
	p := &Packet{CID: binary.LittleEndian.Uint32(report[:4])}
	if report[4]&initFlag != 0 {
		p.Init = true
		p.Cmd = Command(report[4] &^ initFlag)
		p.Length = int(binary.BigEndian.Uint16(report[5:7]))
		p.Data = report[initHeaderLen:]
		return p, nil
	}
	p.Seq = report[4]
	p.Data = report[contHeaderLen:]
	return p, nil
}

// Fragment splits payload into zero-padded reports: 57 bytes in the
// init frame, then 59 bytes per continuation frame.
func Fragment(cid uint32, cmd Command, payload []byte) ([][]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, ErrTooLarge
	}

	report := make([]byte, ReportSize)
	binary.LittleEndian.PutUint32(report, cid)
	report[4] = byte(cmd) | initFlag
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
	n := copy(report[initHeaderLen:], payload)
	reports := [][]byte{report}

	for seq := byte(0); n < len(payload); seq++ {
		report = make([]byte, ReportSize)
		binary.LittleEndian.PutUint32(report, cid)
		report[4] = seq
		n += copy(report[contHeaderLen:], payload[n:])
		reports = append(reports, report)
	}
	return reports, nil
}

// Message is a reassembled CTAPHID request or response.
type Message struct {
	CID  uint32
	Cmd  Command
	Data []byte
}

// Assembler reassembles one message at a time from its packets.
type Assembler struct {
	msg  *Message
	want int
	seq  byte
}

// Add feeds p to the assembler and returns the message once it is
// complete. An init packet always starts a new message.
func (a *Assembler) Add(p *Packet) (*Message, error) {
	var data []byte
	if p.Init {
		a.Reset()
		if p.Length > MaxMessageSize {
			return nil, ErrInvalidLen
		}
		a.msg = &Message{CID: p.CID, Cmd: p.Cmd, Data: make([]byte, 0, p.Length)}
		a.want = p.Length
		data = p.Data
	} else {
		if a.msg == nil || a.msg.CID != p.CID {
			return nil, errUnexpectedContinuation
		}
		if p.Seq != a.seq {
			a.Reset()
			return nil, ErrInvalidSeq
		}
		a.seq++
		data = p.Data
	}

	if remaining := a.want - len(a.msg.Data); len(data) > remaining {
		data = data[:remaining]
	}
	a.msg.Data = append(a.msg.Data, data...)
	if len(a.msg.Data) < a.want {
		return nil, nil
	}
	msg := a.msg
	a.Reset()
	return msg, nil
}

// Pending reports the channel of a partially assembled message.
func (a *Assembler) Pending() (uint32, bool) {
	if a.msg == nil {
		return 0, false
	}
	return a.msg.CID, true
}

func (a *Assembler) Reset() {
	a.msg = nil
	a.want = 0
	a.seq = 0
}
