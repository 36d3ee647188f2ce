package closecoord

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/channel"
	"github.com/relayssh/connsvc/connsvc"
	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/transport"
	"github.com/relayssh/connsvc/wire"
)

type silentEndpoint struct{}

func (silentEndpoint) SendPacket(payload []byte) transport.WriteFuture { return noopWrite{} }
func (silentEndpoint) SessionID() []byte                               { return nil }
func (silentEndpoint) Close() error                                    { return nil }

type noopWrite struct{}

func (noopWrite) Wait(ctx context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoKind struct{}

func (echoKind) Type() string { return "session" }
func (echoKind) Accept(ctx context.Context, ch *channel.Channel, typeData []byte) ([]byte, error) {
	return nil, nil
}
func (echoKind) HandleData(ch *channel.Channel, data []byte) error             { return nil }
func (echoKind) HandleExtendedData(ch *channel.Channel, t uint32, d []byte) error { return nil }
func (echoKind) HandleEOF(ch *channel.Channel)                                  {}
func (echoKind) HandleClose(ch *channel.Channel)                               {}
func (echoKind) HandleRequest(ch *channel.Channel, req *router.Request) (router.Result, error) {
	return router.ReplySuccess, nil
}

type recordingCloser struct{ closed bool }

func (c *recordingCloser) Close() { c.closed = true }

func newTestServiceWithOneOpenChannel(t *testing.T) *connsvc.Service {
	t.Helper()
	cfg := connsvc.DefaultConfig()
	svc := connsvc.New(silentEndpoint{}, cfg, testLogger())
	svc.RegisterFactory("session", func() channel.Kind { return echoKind{} })

	msg := wire.ChannelOpenMsg{ChanType: "session", SenderID: 1, WindowSize: 1000, MaxPacketSize: 500}
	require.NoError(t, svc.Process(wire.MsgChannelOpen, wire.Marshal(msg)))
	require.Eventually(t, func() bool { return svc.Count() == 1 }, time.Second, 5*time.Millisecond)
	return svc
}

func TestCoordinatorGracefulWaitsForChannelClose(t *testing.T) {
	svc := newTestServiceWithOneOpenChannel(t)
	closer := &recordingCloser{}
	coord := New(svc, testLogger())
	coord.AddCloser("test", closer)

	ch, ok := svc.Lookup(0)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, svc.Process(wire.MsgChannelClose, wire.Marshal(wire.CloseMsg{RecipientID: 0})))
	}()
	_ = ch

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, coord.Graceful(ctx))
	assert.True(t, svc.Closing())
	assert.True(t, closer.closed)
}

func TestCoordinatorGracefulTimesOutIfChannelNeverCloses(t *testing.T) {
	svc := newTestServiceWithOneOpenChannel(t)
	coord := New(svc, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := coord.Graceful(ctx)
	assert.Error(t, err)
}

func TestCoordinatorImmediateForceClosesEverything(t *testing.T) {
	svc := newTestServiceWithOneOpenChannel(t)
	closer := &recordingCloser{}
	coord := New(svc, testLogger())
	coord.AddCloser("test", closer)

	rf := svc.SendGlobalRequest("some-request", true, nil)

	require.NoError(t, coord.Immediate(context.Background()))
	assert.Equal(t, 0, svc.Count())
	assert.True(t, closer.closed)

	_, err := rf.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrImmediateShutdown)
}
