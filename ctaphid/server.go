package ctaphid

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMessageTimeout bounds the gap between the frames of one message.
	DefaultMessageTimeout = 500 * time.Millisecond
	// DefaultKeepaliveInterval is how often KEEPALIVE is sent while a
	// request is running.
	DefaultKeepaliveInterval = 100 * time.Millisecond

	maxLockSeconds = 10
	maxChannels    = 16

	protocolVersion = 2
	deviceMajor     = 1
	deviceMinor     = 0
	deviceBuild     = 0
	capabilities    = CapabilityWink | CapabilityCBOR
)

// ReportWriter sends one 64-byte report to the host.
type ReportWriter interface {
	WriteReport(report []byte) error
}

// CBORHandler executes one CTAP2 command and returns status‖CBOR.
type CBORHandler interface {
	HandleCBOR(ctx context.Context, msg []byte) []byte
}

// APDUHandler executes one raw APDU and returns data‖SW.
type APDUHandler interface {
	HandleAPDU(ctx context.Context, apdu []byte) []byte
}

// Indicator identifies the device to the user on WINK.
type Indicator interface {
	Wink()
}

// presenceWaiter is implemented by handlers that can report a pending
// user presence check, which changes the keepalive status.
type presenceWaiter interface {
	WaitingForUser() bool
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l.With().Str("component", "ctaphid").Logger()
	}
}

func WithAPDUHandler(h APDUHandler) Option {
	return func(s *Server) {
		s.apdu = h
	}
}

func WithIndicator(i Indicator) Option {
	return func(s *Server) {
		s.wink = i
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func WithMessageTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.msgTimeout = d
	}
}

func WithKeepaliveInterval(d time.Duration) Option {
	return func(s *Server) {
		s.keepalive = d
	}
}

// ErrClosed is returned by HandleReport after Close.
var ErrClosed = errors.New("ctaphid: server closed")

// Server is the authenticator side of CTAPHID. Reports are fed to
// HandleReport; responses are written to the ReportWriter. One request
// runs at a time, in its own goroutine, so CANCEL can reach it.
type Server struct {
	out        ReportWriter
	cbor       CBORHandler
	apdu       APDUHandler
	wink       Indicator
	log        zerolog.Logger
	now        func() time.Time
	msgTimeout time.Duration
	keepalive  time.Duration

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	nextCID   uint32
	channels  []uint32
	asm       Assembler
	started   time.Time
	busy      *job
	lockCID   uint32
	lockUntil time.Time
}

type job struct {
	cid     uint32
	cmd     Command
	cancel  context.CancelFunc
	dropped bool
}

func NewServer(out ReportWriter, cbor CBORHandler, opts ...Option) *Server {
	s := &Server{
		out:        out,
		cbor:       cbor,
		log:        zerolog.Nop(),
		now:        time.Now,
		msgTimeout: DefaultMessageTimeout,
		keepalive:  DefaultKeepaliveInterval,
		nextCID:    1,
	}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	return s
}

// HandleReport consumes one report from the host. Protocol errors are
// answered with an ERROR frame; the returned error is only set when the
// report could not be read or a response could not be written.
func (s *Server) HandleReport(ctx context.Context, report []byte) error {
	p, err := ParsePacket(report)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.expireLocked(); err != nil {
		return err
	}

	if s.busy != nil {
		return s.handleBusyLocked(p)
	}

	if s.lockCID != 0 {
		if s.now().After(s.lockUntil) {
			s.lockCID = 0
		} else if p.CID != s.lockCID {
			return s.writeError(p.CID, ErrChannelBusy)
		}
	}

	if !p.Init {
		if cid, ok := s.asm.Pending(); !ok || cid != p.CID {
			// spurious continuation frames are ignored
			return nil
		}
		msg, err := s.asm.Add(p)
		if err != nil {
			return s.writeError(p.CID, ErrInvalidSeq)
		}
		if msg == nil {
			s.started = s.now()
			return nil
		}
		return s.dispatchLocked(msg)
	}

	if cid, ok := s.asm.Pending(); ok {
		switch {
		case p.Cmd == CmdInit && cid == p.CID:
			s.asm.Reset()
		case p.Cmd == CmdInit:
			// INIT on another channel does not disturb the pending message
			msg := &Message{CID: p.CID, Cmd: p.Cmd, Data: p.Data[:min(p.Length, len(p.Data))]}
			return s.handleInitLocked(msg, p.Length)
		case cid == p.CID:
			s.asm.Reset()
			return s.writeError(p.CID, ErrInvalidSeq)
		default:
			return s.writeError(p.CID, ErrChannelBusy)
		}
	}

	if code, ok := s.checkChannelLocked(p); !ok {
		return s.writeError(p.CID, code)
	}

	msg, err := s.asm.Add(p)
	if err != nil {
		return s.writeError(p.CID, ErrInvalidLen)
	}
	if msg == nil {
		s.started = s.now()
		return nil
	}
	return s.dispatchLocked(msg)
}

func (s *Server) checkChannelLocked(p *Packet) (ErrorCode, bool) {
	switch {
	case p.CID == 0:
		return ErrInvalidChannel, false
	case p.CID == BroadcastCID:
		if p.Cmd != CmdInit {
			return ErrInvalidChannel, false
		}
	case !s.allocatedLocked(p.CID):
		return ErrInvalidChannel, false
	}
	return 0, true
}

func (s *Server) expireLocked() error {
	cid, ok := s.asm.Pending()
	if !ok || s.now().Sub(s.started) <= s.msgTimeout {
		return nil
	}
	s.asm.Reset()
	s.log.Debug().Uint32("cid", cid).Msg("message timed out")
	return s.writeError(cid, ErrMsgTimeout)
}

func (s *Server) handleBusyLocked(p *Packet) error {
	if p.CID != s.busy.cid {
		return s.writeError(p.CID, ErrChannelBusy)
	}
	if !p.Init {
		return s.writeError(p.CID, ErrChannelBusy)
	}
	switch p.Cmd {
	case CmdCancel:
		s.log.Debug().Uint32("cid", p.CID).Str("cmd", s.busy.cmd.String()).Msg("cancel")
		s.busy.cancel()
		return nil
	case CmdInit:
		// resync aborts the running request; its response is dropped
		s.busy.cancel()
		s.busy.dropped = true
		s.busy = nil
		msg := &Message{CID: p.CID, Cmd: p.Cmd, Data: p.Data[:min(p.Length, len(p.Data))]}
		return s.handleInitLocked(msg, p.Length)
	}
	return s.writeError(p.CID, ErrChannelBusy)
}

func (s *Server) allocatedLocked(cid uint32) bool {
	for _, c := range s.channels {
		if c == cid {
			return true
		}
	}
	return false
}

func (s *Server) allocateLocked() uint32 {
	cid := s.nextCID
	s.nextCID++
	if s.nextCID == BroadcastCID {
		s.nextCID = 1
	}
	if len(s.channels) == maxChannels {
		s.channels = s.channels[1:]
	}
	s.channels = append(s.channels, cid)
	return cid
}

func (s *Server) dispatchLocked(msg *Message) error {
	s.log.Debug().Uint32("cid", msg.CID).Str("cmd", msg.Cmd.String()).Int("len", len(msg.Data)).Msg("request")

	switch msg.Cmd {
	case CmdInit:
		return s.handleInitLocked(msg, len(msg.Data))
	case CmdPing:
		return s.writeMessage(msg.CID, CmdPing, msg.Data)
	case CmdWink:
		if s.wink != nil {
			s.wink.Wink()
		}
		return s.writeMessage(msg.CID, CmdWink, nil)
	case CmdLock:
		return s.handleLockLocked(msg)
	case CmdCancel:
		// nothing is running
		return nil
	case CmdMsg, CmdCbor:
		if len(msg.Data) == 0 {
			return s.writeError(msg.CID, ErrInvalidLen)
		}
		s.startLocked(msg, s.cbor.HandleCBOR)
		return nil
	case CmdAPDU:
		if s.apdu == nil {
			return s.writeError(msg.CID, ErrInvalidCmd)
		}
		s.startLocked(msg, s.apdu.HandleAPDU)
		return nil
	}
	return s.writeError(msg.CID, ErrInvalidCmd)
}

func (s *Server) handleInitLocked(msg *Message, length int) error {
	if length != 8 || len(msg.Data) != 8 {
		return s.writeError(msg.CID, ErrInvalidLen)
	}
	if msg.CID == 0 {
		return s.writeError(msg.CID, ErrInvalidChannel)
	}

	cid := msg.CID
	if cid == BroadcastCID {
		cid = s.allocateLocked()
	} else if !s.allocatedLocked(cid) {
		return s.writeError(msg.CID, ErrInvalidChannel)
	}

	resp := make([]byte, 17)
	copy(resp, msg.Data)
	binary.LittleEndian.PutUint32(resp[8:], cid)
	resp[12] = protocolVersion
	resp[13] = deviceMajor
	resp[14] = deviceMinor
	resp[15] = deviceBuild
	resp[16] = capabilities
	s.log.Debug().Uint32("cid", msg.CID).Uint32("channel", cid).Msg("init")
	return s.writeMessage(msg.CID, CmdInit, resp)
}

func (s *Server) handleLockLocked(msg *Message) error {
	if len(msg.Data) != 1 || msg.Data[0] > maxLockSeconds {
		return s.writeError(msg.CID, ErrInvalidPar)
	}
	if msg.Data[0] == 0 {
		s.lockCID = 0
	} else {
		s.lockCID = msg.CID
		s.lockUntil = s.now().Add(time.Duration(msg.Data[0]) * time.Second)
	}
	return s.writeMessage(msg.CID, CmdLock, nil)
}

func (s *Server) startLocked(msg *Message, handle func(context.Context, []byte) []byte) {
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{cid: msg.CID, cmd: msg.Cmd, cancel: cancel}
	s.busy = j

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		done := make(chan []byte, 1)
		go func() {
			done <- handle(ctx, msg.Data)
		}()

		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()

		var resp []byte
	wait:
		for {
			select {
			case resp = <-done:
				break wait
			case <-ticker.C:
				if err := s.writeMessage(msg.CID, CmdKeepalive, []byte{s.keepaliveStatus()}); err != nil {
					s.log.Debug().Err(err).Msg("keepalive failed")
				}
			}
		}

		s.mu.Lock()
		dropped := j.dropped
		if s.busy == j {
			s.busy = nil
		}
		s.mu.Unlock()
		if dropped {
			return
		}

		var err error
		if len(resp) > MaxMessageSize {
			err = s.writeError(msg.CID, ErrInvalidLen)
		} else {
			err = s.writeMessage(msg.CID, msg.Cmd, resp)
		}
		if err != nil {
			s.log.Debug().Err(err).Uint32("cid", msg.CID).Msg("response failed")
		}
	}()
}

func (s *Server) keepaliveStatus() byte {
	if w, ok := s.cbor.(presenceWaiter); ok && w.WaitingForUser() {
		return KeepaliveUPNeeded
	}
	return KeepaliveProcessing
}

func (s *Server) writeError(cid uint32, code ErrorCode) error {
	s.log.Debug().Uint32("cid", cid).Str("error", code.String()).Msg("error response")
	return s.writeMessage(cid, CmdError, []byte{byte(code)})
}

func (s *Server) writeMessage(cid uint32, cmd Command, payload []byte) error {
	reports, err := Fragment(cid, cmd, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, r := range reports {
		if err := s.out.WriteReport(r); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until the running request, if any, has been answered.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close cancels any running request and waits for it to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
	return nil
}
