package forward

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

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

func newTestForwarder(allowed bool) (*TCPIPForwarder, *connsvc.Service) {
	cfg := connsvc.DefaultConfig()
	cfg.ChannelOpenTimeout = 50 * time.Millisecond
	svc := connsvc.New(silentEndpoint{}, cfg, testLogger())
	f := NewTCPIPForwarder(svc, allowed, testLogger())
	f.Register()
	return f, svc
}

func TestTCPIPForwarderRejectsWhenNotAllowed(t *testing.T) {
	_, svc := newTestForwarder(false)
	req := &router.Request{Name: "tcpip-forward", Payload: wire.Marshal(tcpipForwardMsg{Addr: "127.0.0.1", Port: 0})}
	result := svc.GlobalRouter().Dispatch(context.Background(), req)
	assert.Equal(t, router.ReplyFailure, result)
}

func TestTCPIPForwarderRegistersAndCancelsListener(t *testing.T) {
	f, svc := newTestForwarder(true)
	msg := tcpipForwardMsg{Addr: "127.0.0.1", Port: 0}
	req := &router.Request{Name: "tcpip-forward", Payload: wire.Marshal(msg)}
	require.Equal(t, router.ReplySuccess, svc.GlobalRouter().Dispatch(context.Background(), req))

	cancelReq := &router.Request{Name: "cancel-tcpip-forward", Payload: wire.Marshal(msg)}
	assert.Equal(t, router.ReplySuccess, svc.GlobalRouter().Dispatch(context.Background(), cancelReq))

	// Cancelling again fails; the listener is already gone.
	assert.Equal(t, router.ReplyFailure, svc.GlobalRouter().Dispatch(context.Background(), cancelReq))
	f.Close()
}

func TestTCPIPForwarderAcceptedConnectionTriesForwardedChannel(t *testing.T) {
	f, svc := newTestForwarder(true)
	msg := tcpipForwardMsg{Addr: "127.0.0.1", Port: 0}
	req := &router.Request{Name: "tcpip-forward", Payload: wire.Marshal(msg)}
	require.Equal(t, router.ReplySuccess, svc.GlobalRouter().Dispatch(context.Background(), req))

	var ln net.Listener
	f.listeners.Range(func(_ string, l net.Listener) bool {
		ln = l
		return false
	})
	require.NotNil(t, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// The peer never answers CHANNEL_OPEN_CONFIRMATION, so OpenChannel
	// times out and relayOne closes the accepted connection.
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err)

	f.Close()
}
