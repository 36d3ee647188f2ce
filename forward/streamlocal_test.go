package forward

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayssh/connsvc/connsvc"
	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/wire"
)

func newTestStreamlocalForwarder(t *testing.T, allowed bool) (*StreamlocalForwarder, *connsvc.Service) {
	t.Helper()
	cfg := connsvc.DefaultConfig()
	cfg.ChannelOpenTimeout = 50 * time.Millisecond
	svc := connsvc.New(silentEndpoint{}, cfg, testLogger())
	f := NewStreamlocalForwarder(svc, allowed, testLogger())
	f.Register()
	return f, svc
}

func TestStreamlocalForwarderRejectsWhenNotAllowed(t *testing.T) {
	_, svc := newTestStreamlocalForwarder(t, false)
	sockPath := filepath.Join(t.TempDir(), "s.sock")
	req := &router.Request{Name: "streamlocal-forward@openssh.com", Payload: wire.Marshal(streamlocalForwardMsg{SocketPath: sockPath})}
	result := svc.GlobalRouter().Dispatch(context.Background(), req)
	assert.Equal(t, router.ReplyFailure, result)
	_, err := os.Stat(sockPath)
	assert.Error(t, err)
}

func TestStreamlocalForwarderRegistersAndCancelsListener(t *testing.T) {
	f, svc := newTestStreamlocalForwarder(t, true)
	sockPath := filepath.Join(t.TempDir(), "s.sock")
	msg := streamlocalForwardMsg{SocketPath: sockPath}

	req := &router.Request{Name: "streamlocal-forward@openssh.com", Payload: wire.Marshal(msg)}
	require.Equal(t, router.ReplySuccess, svc.GlobalRouter().Dispatch(context.Background(), req))

	cancelReq := &router.Request{Name: "cancel-streamlocal-forward@openssh.com", Payload: wire.Marshal(msg)}
	assert.Equal(t, router.ReplySuccess, svc.GlobalRouter().Dispatch(context.Background(), cancelReq))
	assert.Equal(t, router.ReplyFailure, svc.GlobalRouter().Dispatch(context.Background(), cancelReq))
	f.Close()
}
