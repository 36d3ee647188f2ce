package channel

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/transport"
	"github.com/relayssh/connsvc/window"
	"github.com/relayssh/connsvc/wire"
)

type immediateWrite struct{}

func (immediateWrite) Wait(ctx context.Context) error { return nil }

type fakeSender struct {
	mu          sync.Mutex
	sent        [][]byte
	unregistered []uint32
}

func (f *fakeSender) Send(payload []byte) transport.WriteFuture {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	f.mu.Unlock()
	return immediateWrite{}
}

func (f *fakeSender) Unregister(localID uint32) {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, localID)
	f.mu.Unlock()
}

func (f *fakeSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type recordingKind struct {
	typ          string
	data         [][]byte
	eofCalled    bool
	closeCalled  bool
	requestFunc  func(ch *Channel, req *router.Request) (router.Result, error)
}

func (k *recordingKind) Type() string { return k.typ }
func (k *recordingKind) Accept(ctx context.Context, ch *Channel, typeData []byte) ([]byte, error) {
	return nil, nil
}
func (k *recordingKind) HandleData(ch *Channel, data []byte) error {
	k.data = append(k.data, append([]byte(nil), data...))
	return nil
}
func (k *recordingKind) HandleExtendedData(ch *Channel, dataType uint32, data []byte) error {
	return nil
}
func (k *recordingKind) HandleEOF(ch *Channel)   { k.eofCalled = true }
func (k *recordingKind) HandleClose(ch *Channel) { k.closeCalled = true }
func (k *recordingKind) HandleRequest(ch *Channel, req *router.Request) (router.Result, error) {
	if k.requestFunc != nil {
		return k.requestFunc(ch, req)
	}
	return router.Unsupported, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChannelInboundOpenAndData(t *testing.T) {
	sender := &fakeSender{}
	kind := &recordingKind{typ: "session"}
	localWin := window.New(1000, 1000, 500)
	ch := New(1, kind, localWin, sender, testLogger())

	ch.AcceptInbound(context.Background(), 42, 1000, 500, nil)
	res, err := ch.OpenFuture().Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), res.RemoteID)
	assert.Equal(t, StateOpen, ch.State())

	require.NoError(t, ch.HandleData([]byte("hi")))
	assert.Equal(t, [][]byte{[]byte("hi")}, kind.data)
}

func TestChannelSendDataFitsRemoteWindowAndPacketSize(t *testing.T) {
	sender := &fakeSender{}
	kind := &recordingKind{typ: "session"}
	localWin := window.New(1000, 1000, 500)
	ch := New(1, kind, localWin, sender, testLogger())
	ch.HandleOpenConfirmation(7, 5, 5) // tiny remote window/packet size

	n, err := ch.SendData(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var msg wire.DataMsg
	require.NoError(t, wire.Unmarshal(sender.last(), &msg))
	assert.Equal(t, uint32(7), msg.RecipientID)
	assert.Equal(t, []byte("hello"), msg.Data)
}

func TestChannelSendDataBlocksUntilWindowAdjust(t *testing.T) {
	sender := &fakeSender{}
	kind := &recordingKind{typ: "session"}
	localWin := window.New(1000, 1000, 500)
	ch := New(1, kind, localWin, sender, testLogger())
	ch.HandleOpenConfirmation(7, 0, 500)

	done := make(chan error, 1)
	go func() {
		_, err := ch.SendData(context.Background(), []byte("hello"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("SendData returned before window credit was available")
	default:
	}

	require.NoError(t, ch.HandleWindowAdjust(5))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendData did not unblock after WINDOW_ADJUST")
	}
}

func TestChannelCloseSymmetryPeerFirst(t *testing.T) {
	sender := &fakeSender{}
	kind := &recordingKind{typ: "session"}
	localWin := window.New(1000, 1000, 500)
	ch := New(1, kind, localWin, sender, testLogger())
	ch.HandleOpenConfirmation(7, 1000, 500)

	// Peer's CLOSE arrives before we ever send our own.
	ch.HandleClose()
	assert.Equal(t, StateClosed, ch.State())
	assert.True(t, kind.closeCalled)

	var msg wire.CloseMsg
	require.NoError(t, wire.Unmarshal(sender.last(), &msg))
	assert.Equal(t, uint32(7), msg.RecipientID)
}

func TestChannelCloseSymmetryLocalFirst(t *testing.T) {
	sender := &fakeSender{}
	kind := &recordingKind{typ: "session"}
	localWin := window.New(1000, 1000, 500)
	ch := New(1, kind, localWin, sender, testLogger())
	ch.HandleOpenConfirmation(7, 1000, 500)

	ch.SendClose()
	assert.Equal(t, StateClosing, ch.State())
	assert.False(t, kind.closeCalled)

	ch.HandleClose()
	assert.Equal(t, StateClosed, ch.State())
	assert.True(t, kind.closeCalled)
}

func TestChannelRequestReplyFIFO(t *testing.T) {
	sender := &fakeSender{}
	kind := &recordingKind{typ: "session"}
	localWin := window.New(1000, 1000, 500)
	ch := New(1, kind, localWin, sender, testLogger())
	ch.HandleOpenConfirmation(7, 1000, 500)

	rf1 := ch.SendRequest("one", true, nil)
	rf2 := ch.SendRequest("two", true, nil)

	require.NoError(t, ch.HandleRequestReply(true))
	require.NoError(t, ch.HandleRequestReply(false))

	res1, err := rf1.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, res1.Success)

	res2, err := rf2.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, res2.Success)
}

func TestChannelForceCloseFailsPendingRequests(t *testing.T) {
	sender := &fakeSender{}
	kind := &recordingKind{typ: "session"}
	localWin := window.New(1000, 1000, 500)
	ch := New(1, kind, localWin, sender, testLogger())
	ch.HandleOpenConfirmation(7, 1000, 500)

	rf := ch.SendRequest("one", true, nil)
	ch.ForceClose(assertError{})

	_, err := rf.Wait(context.Background(), time.Second)
	assert.Error(t, err)
	assert.Equal(t, StateClosed, ch.State())
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
