// Package ccid routes ISO7816 APDUs to the token's smart card applets.
// The engine only understands SELECT and GET RESPONSE; every other
// instruction belongs to the selected applet.
package ccid

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/flynn/opentoken/iso7816"
	"github.com/rs/zerolog"
)

// Kind identifies an applet.
type Kind int

const (
	KindNone Kind = iota
	KindOATH
	KindOpenPGP
	KindManager
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOATH:
		return "oath"
	case KindOpenPGP:
		return "openpgp"
	case KindManager:
		return "manager"
	}
	return fmt.Sprintf("kind<%d>", int(k))
}

var (
	AIDManager = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x47, 0x11, 0x17}
	AIDOTP     = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x20, 0x01, 0x01}
	AIDOATH    = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01, 0x01}
	AIDOpenPGP = []byte{0xD2, 0x76, 0x00, 0x01, 0x24, 0x01}
)

const insGetResponse = 0xC0

// An Applet handles the APDUs sent to it after a successful SELECT.
type Applet interface {
	// Select is called when the applet's AID is selected. It resets any
	// per-session state.
	Select(aid []byte) *iso7816.Response
	Handle(ctx context.Context, cmd *iso7816.Command) *iso7816.Response
}

// Applets holds the engine's applets. A nil applet is never selected.
type Applets struct {
	OATH    Applet
	OpenPGP Applet
	Manager Applet
}

type route struct {
	kind Kind
	aid  []byte
}

// SELECT priority: the legacy manager and OTP AIDs first, then OATH, then
// OpenPGP.
var routes = []route{
	{KindManager, AIDManager},
	{KindManager, AIDOTP},
	{KindOATH, AIDOATH},
	{KindOpenPGP, AIDOpenPGP},
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = l.With().Str("component", "ccid").Logger()
	}
}

// Engine owns the applet selection. It is safe for concurrent use; APDUs
// are processed one at a time.
type Engine struct {
	log     zerolog.Logger
	applets map[Kind]Applet

	mu       sync.Mutex
	selected Kind
	pending  []byte
}

func NewEngine(a Applets, opts ...Option) *Engine {
	e := &Engine{
		log:     zerolog.Nop(),
		applets: make(map[Kind]Applet),
	}
	if a.OATH != nil {
		e.applets[KindOATH] = a.OATH
	}
	if a.OpenPGP != nil {
		e.applets[KindOpenPGP] = a.OpenPGP
	}
	if a.Manager != nil {
		e.applets[KindManager] = a.Manager
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Selected returns the currently selected applet.
func (e *Engine) Selected() Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Reset drops the selection, as a card reset would.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = KindNone
	e.pending = nil
}

// Process executes one raw command APDU and returns data‖SW. Responses
// longer than the command's Ne are returned in pieces with 61xx and
// collected with GET RESPONSE.
func (e *Engine) Process(ctx context.Context, raw []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd, err := iso7816.ParseCommand(raw)
	if err != nil {
		e.log.Debug().Err(err).Int("len", len(raw)).Msg("malformed APDU")
		e.pending = nil
		return iso7816.StatusResponse(iso7816.StatusWrongLength).Bytes()
	}
	e.log.Debug().Str("apdu", cmd.String()).Str("applet", e.selected.String()).Msg("command")

	if cmd.Ins == insGetResponse && cmd.Cla == 0x00 && e.pending != nil {
		return e.chunk(cmd.Ne)
	}
	e.pending = nil

	var resp *iso7816.Response
	if cmd.IsSelect() {
		resp = e.selectApplet(cmd.Data)
	} else if a, ok := e.applets[e.selected]; ok {
		resp = a.Handle(ctx, cmd)
	} else {
		resp = iso7816.StatusResponse(iso7816.StatusClaNotSupported)
	}

	if resp.Status.OK() && len(resp.Data) > maxChunk(cmd.Ne) {
		e.pending = resp.Data
		return e.chunk(cmd.Ne)
	}
	return resp.Bytes()
}

func (e *Engine) selectApplet(aid []byte) *iso7816.Response {
	for _, r := range routes {
		a, ok := e.applets[r.kind]
		if !ok || !bytes.HasPrefix(aid, r.aid) {
			continue
		}
		resp := a.Select(aid)
		if resp.Status.OK() {
			e.selected = r.kind
			e.log.Debug().Str("applet", r.kind.String()).Msg("selected")
		} else {
			e.selected = KindNone
		}
		return resp
	}
	e.selected = KindNone
	return iso7816.StatusResponse(iso7816.StatusFileNotFound)
}

func maxChunk(ne int) int {
	if ne <= 0 || ne > iso7816.MaxShortResponse {
		return iso7816.MaxShortResponse
	}
	return ne
}

func (e *Engine) chunk(ne int) []byte {
	n := min(maxChunk(ne), len(e.pending))
	data := e.pending[:n]
	e.pending = e.pending[n:]

	status := iso7816.StatusOK
	if len(e.pending) == 0 {
		e.pending = nil
	} else {
		status = iso7816.BytesRemaining(len(e.pending))
	}
	return iso7816.NewResponse(data, status).Bytes()
}
