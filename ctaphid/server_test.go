package ctaphid

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu      sync.Mutex
	reports [][]byte
}

func (r *recorder) WriteReport(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, append([]byte(nil), b...))
	return nil
}

func (r *recorder) messages(t *testing.T) []*Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var asm Assembler
	var out []*Message
	for _, report := range r.reports {
		p, err := ParsePacket(report)
		require.NoError(t, err)
		msg, err := asm.Add(p)
		require.NoError(t, err)
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

func (r *recorder) last(t *testing.T) *Message {
	t.Helper()
	msgs := r.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (r *recorder) count(cmd Command) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, report := range r.reports {
		if report[4] == byte(cmd)|initFlag {
			n++
		}
	}
	return n
}

type echoHandler struct{}

func (echoHandler) HandleCBOR(_ context.Context, msg []byte) []byte {
	return append([]byte{0x00}, msg...)
}

type blockingHandler struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	waiting atomic.Bool
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan struct{}), release: make(chan struct{})}
}

func (h *blockingHandler) HandleCBOR(ctx context.Context, msg []byte) []byte {
	h.waiting.Store(true)
	defer h.waiting.Store(false)
	h.once.Do(func() { close(h.started) })
	select {
	case <-ctx.Done():
		return []byte{0x2D}
	case <-h.release:
		return []byte{0x00}
	}
}

func (h *blockingHandler) WaitingForUser() bool {
	return h.waiting.Load()
}

type fixedHandler []byte

func (f fixedHandler) HandleCBOR(context.Context, []byte) []byte { return f }

func (f fixedHandler) HandleAPDU(context.Context, []byte) []byte { return f }

type winkCounter struct{ n atomic.Int32 }

func (w *winkCounter) Wink() { w.n.Add(1) }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func send(t *testing.T, s *Server, cid uint32, cmd Command, payload []byte) {
	t.Helper()
	reports, err := Fragment(cid, cmd, payload)
	require.NoError(t, err)
	for _, r := range reports {
		require.NoError(t, s.HandleReport(context.Background(), r))
	}
}

var testNonce = []byte{1, 2, 3, 4, 5, 6, 7, 8}

func allocate(t *testing.T, s *Server, rec *recorder) uint32 {
	t.Helper()
	send(t, s, BroadcastCID, CmdInit, testNonce)
	msg := rec.last(t)
	require.Equal(t, CmdInit, msg.Cmd)
	require.Len(t, msg.Data, 17)
	return uint32(msg.Data[8]) | uint32(msg.Data[9])<<8 | uint32(msg.Data[10])<<16 | uint32(msg.Data[11])<<24
}

func newTestServer(t *testing.T, h CBORHandler, opts ...Option) (*Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithKeepaliveInterval(time.Hour)}, opts...)
	s := NewServer(rec, h, opts...)
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func TestFragment(t *testing.T) {
	for _, tt := range []struct {
		size    int
		reports int
	}{
		{0, 1},
		{57, 1},
		{58, 2},
		{116, 2},
		{117, 3},
		{MaxMessageSize, 129},
	} {
		payload := make([]byte, tt.size)
		for i := range payload {
			payload[i] = byte(i)
		}
		reports, err := Fragment(0xCAFEBABE, CmdCbor, payload)
		require.NoError(t, err)
		require.Len(t, reports, tt.reports, "size %d", tt.size)

		var asm Assembler
		var got *Message
		for _, r := range reports {
			require.Len(t, r, ReportSize)
			p, err := ParsePacket(r)
			require.NoError(t, err)
			got, err = asm.Add(p)
			require.NoError(t, err)
		}
		require.NotNil(t, got)
		require.Equal(t, uint32(0xCAFEBABE), got.CID)
		require.Equal(t, CmdCbor, got.Cmd)
		require.Equal(t, payload, got.Data)
	}

	_, err := Fragment(1, CmdCbor, make([]byte, MaxMessageSize+1))
	require.ErrorIs(t, err, ErrTooLarge)
	require.Equal(t, 7609, MaxMessageSize)
}

func TestPacketLayout(t *testing.T) {
	reports, err := Fragment(0x01020304, CmdPing, bytes.Repeat([]byte{0xAA}, 58))
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "0403020181003aaa", hex.EncodeToString(reports[0][:8]))
	require.Equal(t, "0403020100aa00", hex.EncodeToString(reports[1][:7]))

	p, err := ParsePacket(reports[1])
	require.NoError(t, err)
	require.False(t, p.Init)
	require.Equal(t, byte(0), p.Seq)

	_, err = ParsePacket(make([]byte, 63))
	require.ErrorIs(t, err, ErrShortReport)
}

func TestAssemblerSequence(t *testing.T) {
	reports, err := Fragment(7, CmdPing, make([]byte, 200))
	require.NoError(t, err)
	require.Len(t, reports, 4)

	var asm Assembler
	p, _ := ParsePacket(reports[0])
	_, err = asm.Add(p)
	require.NoError(t, err)
	p, _ = ParsePacket(reports[2])
	_, err = asm.Add(p)
	require.ErrorIs(t, err, ErrInvalidSeq)
	_, pending := asm.Pending()
	require.False(t, pending)

	p, _ = ParsePacket(reports[1])
	_, err = asm.Add(p)
	require.Error(t, err)
}

func TestInit(t *testing.T) {
	s, rec := newTestServer(t, echoHandler{})

	send(t, s, BroadcastCID, CmdInit, testNonce)
	msg := rec.last(t)
	require.Equal(t, BroadcastCID, msg.CID)
	require.Equal(t, "0102030405060708"+"01000000"+"0201000005", hex.EncodeToString(msg.Data))

	require.Equal(t, uint32(2), allocate(t, s, rec))

	// resync on an allocated channel keeps the channel
	send(t, s, 1, CmdInit, testNonce)
	msg = rec.last(t)
	require.Equal(t, uint32(1), msg.CID)
	require.Equal(t, "01000000", hex.EncodeToString(msg.Data[8:12]))

	send(t, s, BroadcastCID, CmdInit, []byte{1, 2, 3})
	require.Equal(t, []byte{byte(ErrInvalidLen)}, rec.last(t).Data)
}

func TestInvalidChannel(t *testing.T) {
	s, rec := newTestServer(t, echoHandler{})

	for _, cid := range []uint32{0, BroadcastCID, 0x55} {
		send(t, s, cid, CmdPing, []byte("hi"))
		msg := rec.last(t)
		require.Equal(t, CmdError, msg.Cmd)
		require.Equal(t, []byte{byte(ErrInvalidChannel)}, msg.Data, "cid %x", cid)
	}

	send(t, s, 0, CmdInit, testNonce)
	require.Equal(t, []byte{byte(ErrInvalidChannel)}, rec.last(t).Data)
}

func TestPing(t *testing.T) {
	s, rec := newTestServer(t, echoHandler{})
	cid := allocate(t, s, rec)

	payload := bytes.Repeat([]byte("echo"), 100)
	send(t, s, cid, CmdPing, payload)
	msg := rec.last(t)
	require.Equal(t, CmdPing, msg.Cmd)
	require.Equal(t, cid, msg.CID)
	require.Equal(t, payload, msg.Data)
}

func TestCbor(t *testing.T) {
	s, rec := newTestServer(t, echoHandler{})
	cid := allocate(t, s, rec)

	send(t, s, cid, CmdCbor, []byte{0x04})
	s.Wait()
	msg := rec.last(t)
	require.Equal(t, CmdCbor, msg.Cmd)
	require.Equal(t, []byte{0x00, 0x04}, msg.Data)

	send(t, s, cid, CmdMsg, []byte{0x04})
	s.Wait()
	msg = rec.last(t)
	require.Equal(t, CmdMsg, msg.Cmd)
	require.Equal(t, []byte{0x00, 0x04}, msg.Data)

	send(t, s, cid, CmdCbor, nil)
	require.Equal(t, []byte{byte(ErrInvalidLen)}, rec.last(t).Data)
}

func TestCancel(t *testing.T) {
	h := newBlockingHandler()
	s, rec := newTestServer(t, h)
	cid := allocate(t, s, rec)
	other := allocate(t, s, rec)

	send(t, s, cid, CmdCbor, []byte{0x01})
	<-h.started

	send(t, s, other, CmdPing, []byte("x"))
	msg := rec.last(t)
	require.Equal(t, other, msg.CID)
	require.Equal(t, []byte{byte(ErrChannelBusy)}, msg.Data)

	send(t, s, cid, CmdPing, []byte("x"))
	require.Equal(t, []byte{byte(ErrChannelBusy)}, rec.last(t).Data)

	send(t, s, cid, CmdCancel, nil)
	s.Wait()
	msg = rec.last(t)
	require.Equal(t, CmdCbor, msg.Cmd)
	require.Equal(t, []byte{0x2D}, msg.Data)

	// the channel is usable again
	send(t, s, other, CmdPing, []byte("y"))
	require.Equal(t, []byte("y"), rec.last(t).Data)
}

func TestResyncDropsRunningRequest(t *testing.T) {
	h := newBlockingHandler()
	s, rec := newTestServer(t, h)
	cid := allocate(t, s, rec)

	send(t, s, cid, CmdCbor, []byte{0x01})
	<-h.started
	send(t, s, cid, CmdInit, testNonce)
	s.Wait()

	msg := rec.last(t)
	require.Equal(t, CmdInit, msg.Cmd)
	require.Zero(t, rec.count(CmdCbor))
}

func TestKeepalive(t *testing.T) {
	h := newBlockingHandler()
	s, rec := newTestServer(t, h, WithKeepaliveInterval(5*time.Millisecond))
	cid := allocate(t, s, rec)

	send(t, s, cid, CmdCbor, []byte{0x02})
	<-h.started
	require.Eventually(t, func() bool { return rec.count(CmdKeepalive) > 0 }, time.Second, time.Millisecond)
	close(h.release)
	s.Wait()

	var sawKeepalive bool
	for _, m := range rec.messages(t) {
		if m.Cmd == CmdKeepalive {
			sawKeepalive = true
			require.Equal(t, cid, m.CID)
			require.Contains(t, [][]byte{{KeepaliveUPNeeded}, {KeepaliveProcessing}}, m.Data)
		}
	}
	require.True(t, sawKeepalive)
	msg := rec.last(t)
	require.Equal(t, CmdCbor, msg.Cmd)
	require.Equal(t, []byte{0x00}, msg.Data)
}

func TestKeepaliveStatus(t *testing.T) {
	h := newBlockingHandler()
	s := NewServer(&recorder{}, h)
	require.Equal(t, KeepaliveProcessing, s.keepaliveStatus())
	h.waiting.Store(true)
	require.Equal(t, KeepaliveUPNeeded, s.keepaliveStatus())
	require.NoError(t, s.Close())

	s = NewServer(&recorder{}, echoHandler{})
	require.Equal(t, KeepaliveProcessing, s.keepaliveStatus())
	require.NoError(t, s.Close())
}

func TestInvalidSeq(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	s, rec := newTestServer(t, echoHandler{}, WithClock(clock.now))
	cid := allocate(t, s, rec)

	reports, err := Fragment(cid, CmdPing, make([]byte, 200))
	require.NoError(t, err)
	require.NoError(t, s.HandleReport(context.Background(), reports[0]))
	require.NoError(t, s.HandleReport(context.Background(), reports[2]))
	msg := rec.last(t)
	require.Equal(t, CmdError, msg.Cmd)
	require.Equal(t, []byte{byte(ErrInvalidSeq)}, msg.Data)

	// a new init frame on a channel with a partial message
	require.NoError(t, s.HandleReport(context.Background(), reports[0]))
	require.NoError(t, s.HandleReport(context.Background(), reports[0]))
	require.Equal(t, []byte{byte(ErrInvalidSeq)}, rec.last(t).Data)

	// stray continuation frames are ignored
	n := len(rec.messages(t))
	require.NoError(t, s.HandleReport(context.Background(), reports[1]))
	require.Len(t, rec.messages(t), n)
}

func TestPartialMessageBlocksOtherChannels(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	s, rec := newTestServer(t, echoHandler{}, WithClock(clock.now))
	cid := allocate(t, s, rec)
	other := allocate(t, s, rec)

	reports, err := Fragment(cid, CmdPing, make([]byte, 100))
	require.NoError(t, err)
	require.NoError(t, s.HandleReport(context.Background(), reports[0]))

	send(t, s, other, CmdPing, []byte("x"))
	require.Equal(t, []byte{byte(ErrChannelBusy)}, rec.last(t).Data)

	// INIT is still answered
	send(t, s, BroadcastCID, CmdInit, testNonce)
	require.Equal(t, CmdInit, rec.last(t).Cmd)

	require.NoError(t, s.HandleReport(context.Background(), reports[1]))
	msg := rec.last(t)
	require.Equal(t, CmdPing, msg.Cmd)
	require.Len(t, msg.Data, 100)
}

func TestMessageTimeout(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	s, rec := newTestServer(t, echoHandler{}, WithClock(clock.now))
	cid := allocate(t, s, rec)
	other := allocate(t, s, rec)

	reports, err := Fragment(cid, CmdPing, make([]byte, 100))
	require.NoError(t, err)
	require.NoError(t, s.HandleReport(context.Background(), reports[0]))

	clock.advance(time.Second)
	send(t, s, other, CmdPing, []byte("x"))
	msgs := rec.messages(t)
	require.GreaterOrEqual(t, len(msgs), 2)
	timeout := msgs[len(msgs)-2]
	require.Equal(t, cid, timeout.CID)
	require.Equal(t, []byte{byte(ErrMsgTimeout)}, timeout.Data)
	require.Equal(t, []byte("x"), msgs[len(msgs)-1].Data)
}

func TestLock(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	s, rec := newTestServer(t, echoHandler{}, WithClock(clock.now))
	cid := allocate(t, s, rec)
	other := allocate(t, s, rec)

	send(t, s, cid, CmdLock, []byte{11})
	require.Equal(t, []byte{byte(ErrInvalidPar)}, rec.last(t).Data)

	send(t, s, cid, CmdLock, []byte{5})
	require.Equal(t, CmdLock, rec.last(t).Cmd)

	send(t, s, other, CmdPing, []byte("x"))
	require.Equal(t, []byte{byte(ErrChannelBusy)}, rec.last(t).Data)
	send(t, s, cid, CmdPing, []byte("x"))
	require.Equal(t, []byte("x"), rec.last(t).Data)

	clock.advance(6 * time.Second)
	send(t, s, other, CmdPing, []byte("y"))
	require.Equal(t, []byte("y"), rec.last(t).Data)

	send(t, s, cid, CmdLock, []byte{5})
	send(t, s, cid, CmdLock, []byte{0})
	send(t, s, other, CmdPing, []byte("z"))
	require.Equal(t, []byte("z"), rec.last(t).Data)
}

func TestWink(t *testing.T) {
	w := &winkCounter{}
	s, rec := newTestServer(t, echoHandler{}, WithIndicator(w))
	cid := allocate(t, s, rec)

	send(t, s, cid, CmdWink, nil)
	msg := rec.last(t)
	require.Equal(t, CmdWink, msg.Cmd)
	require.Empty(t, msg.Data)
	require.Equal(t, int32(1), w.n.Load())
}

func TestAPDU(t *testing.T) {
	s, rec := newTestServer(t, echoHandler{})
	cid := allocate(t, s, rec)
	send(t, s, cid, CmdAPDU, []byte{0x00, 0xA4, 0x04, 0x00})
	require.Equal(t, []byte{byte(ErrInvalidCmd)}, rec.last(t).Data)

	s, rec = newTestServer(t, echoHandler{}, WithAPDUHandler(fixedHandler{0x90, 0x00}))
	cid = allocate(t, s, rec)
	send(t, s, cid, CmdAPDU, []byte{0x00, 0xA4, 0x04, 0x00})
	s.Wait()
	msg := rec.last(t)
	require.Equal(t, CmdAPDU, msg.Cmd)
	require.Equal(t, []byte{0x90, 0x00}, msg.Data)
}

func TestOversizeResponse(t *testing.T) {
	s, rec := newTestServer(t, fixedHandler(make([]byte, MaxMessageSize+1)))
	cid := allocate(t, s, rec)

	send(t, s, cid, CmdCbor, []byte{0x04})
	s.Wait()
	msg := rec.last(t)
	require.Equal(t, CmdError, msg.Cmd)
	require.Equal(t, []byte{byte(ErrInvalidLen)}, msg.Data)
}

func TestUnknownCommand(t *testing.T) {
	s, rec := newTestServer(t, echoHandler{})
	cid := allocate(t, s, rec)

	send(t, s, cid, Command(0x55), nil)
	require.Equal(t, []byte{byte(ErrInvalidCmd)}, rec.last(t).Data)
	require.Equal(t, "CmdVendor<85>", Command(0x55).String())
	require.Equal(t, "ERR_CHANNEL_BUSY", ErrChannelBusy.String())
}

func TestClose(t *testing.T) {
	h := newBlockingHandler()
	rec := &recorder{}
	s := NewServer(rec, h, WithKeepaliveInterval(time.Hour))
	cid := allocate(t, s, rec)

	send(t, s, cid, CmdCbor, []byte{0x01})
	<-h.started
	require.NoError(t, s.Close())

	msg := rec.last(t)
	require.Equal(t, []byte{0x2D}, msg.Data)

	reports, err := Fragment(cid, CmdPing, nil)
	require.NoError(t, err)
	require.ErrorIs(t, s.HandleReport(context.Background(), reports[0]), ErrClosed)
}
