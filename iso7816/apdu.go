// Package iso7816 implements the short-form ISO7816-4 command/response
// APDU codec, the status words used by the token applets, and a bounded
// TLV reader.
package iso7816

import (
	"errors"
	"fmt"

	"github.com/skythen/apdu"
)

const (
	headerLen = 4

	// MaxShortData is the largest Lc of a short APDU.
	MaxShortData = 255
	// MaxShortResponse is the largest Ne of a short APDU.
	MaxShortResponse = 256
)

var (
	// ErrWrongLength is returned when the buffer does not match the
	// lengths declared in the APDU header.
	ErrWrongLength = errors.New("iso7816: wrong length")
	// ErrExtendedLength is returned for extended-length APDUs, which the
	// token does not support.
	ErrExtendedLength = errors.New("iso7816: extended length not supported")
)

// Case identifies which of the four ISO7816-3 short layouts a command used.
type Case int

const (
	// Case1 has no command data and no expected response data.
	Case1 Case = iota + 1
	// Case2 has no command data and expects response data.
	Case2
	// Case3 has command data and no expected response data.
	Case3
	// Case4 has command data and expects response data.
	Case4
)

func (c Case) String() string {
	switch c {
	case Case1:
		return "case 1"
	case Case2:
		return "case 2"
	case Case3:
		return "case 3"
	case Case4:
		return "case 4"
	}
	return fmt.Sprintf("case<%d>", int(c))
}

// A Command is a parsed command APDU.
type Command struct {
	apdu.Capdu
	Case Case
}

// ParseCommand parses a short command APDU. It rejects buffers that are
// shorter or longer than the Lc they declare, and extended-length APDUs.
func ParseCommand(b []byte) (*Command, error) {
	if len(b) < headerLen {
		return nil, ErrWrongLength
	}

	c := &Command{
		Capdu: apdu.Capdu{
			Cla: b[0],
			Ins: b[1],
			P1:  b[2],
			P2:  b[3],
		},
	}

	body := b[headerLen:]
	switch {
	case len(body) == 0:
		c.Case = Case1
		return c, nil
	case len(body) == 1:
		c.Case = Case2
		c.Ne = decodeLe(body[0])
		return c, nil
	case body[0] == 0:
		// Lc=0x00 followed by more bytes introduces an extended length field.
		return nil, ErrExtendedLength
	}

	lc := int(body[0])
	data := body[1:]
	switch {
	case len(data) < lc:
		return nil, ErrWrongLength
	case len(data) == lc:
		c.Case = Case3
	case len(data) == lc+1:
		c.Case = Case4
		c.Ne = decodeLe(data[lc])
	default:
		return nil, ErrWrongLength
	}

	c.Data = append([]byte(nil), data[:lc]...)
	return c, nil
}

func decodeLe(b byte) int {
	if b == 0 {
		return MaxShortResponse
	}
	return int(b)
}

// NewCommand builds a command APDU. ne is the expected response length,
// zero when no response data is expected.
func NewCommand(cla, ins, p1, p2 byte, data []byte, ne int) *Command {
	c := &Command{
		Capdu: apdu.Capdu{Cla: cla, Ins: ins, P1: p1, P2: p2, Data: data, Ne: ne},
	}
	switch {
	case len(data) == 0 && ne == 0:
		c.Case = Case1
	case len(data) == 0:
		c.Case = Case2
	case ne == 0:
		c.Case = Case3
	default:
		c.Case = Case4
	}
	return c
}

// Bytes encodes c in short form.
func (c *Command) Bytes() ([]byte, error) {
	if len(c.Data) > MaxShortData || c.Ne > MaxShortResponse {
		return nil, ErrExtendedLength
	}
	return c.Capdu.Bytes()
}

// IsSelect reports whether c is a SELECT by AID (00 A4 04 00).
func (c *Command) IsSelect() bool {
	return c.Cla == 0x00 && c.Ins == 0xA4 && c.P1 == 0x04 && c.P2 == 0x00
}

// P1P2 returns the two parameter bytes as a big-endian value.
func (c *Command) P1P2() uint16 {
	return uint16(c.P1)<<8 | uint16(c.P2)
}

func (c *Command) String() string {
	return fmt.Sprintf("CLA=%02X INS=%02X P1=%02X P2=%02X Lc=%d Ne=%d (%s)", c.Cla, c.Ins, c.P1, c.P2, len(c.Data), c.Ne, c.Case)
}

// A Response is a response APDU.
type Response struct {
	Data   []byte
	Status Status
}

// NewResponse returns a response carrying data and status.
func NewResponse(data []byte, status Status) *Response {
	return &Response{Data: data, Status: status}
}

// StatusResponse returns a response with no data.
func StatusResponse(status Status) *Response {
	return &Response{Status: status}
}

// Bytes encodes r as Data‖SW1‖SW2.
func (r *Response) Bytes() []byte {
	rapdu := apdu.Rapdu{Data: r.Data, SW1: r.Status.SW1(), SW2: r.Status.SW2()}
	b, err := rapdu.Bytes()
	if err != nil {
		return []byte{StatusUnknown.SW1(), StatusUnknown.SW2()}
	}
	return b
}

// ParseResponse splits a response APDU into data and status.
func ParseResponse(b []byte) (*Response, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("iso7816: response is too short, got %d bytes", len(b))
	}
	n := len(b) - 2
	return &Response{
		Data:   append([]byte(nil), b[:n]...),
		Status: Status(uint16(b[n])<<8 | uint16(b[n+1])),
	}, nil
}
