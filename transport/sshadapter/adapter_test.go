package sshadapter_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/channel"
	"github.com/relayssh/connsvc/connsvc"
	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/transport/sshadapter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoKind struct{}

func (echoKind) Type() string { return "session" }
func (echoKind) Accept(ctx context.Context, ch *channel.Channel, typeData []byte) ([]byte, error) {
	return nil, nil
}
func (echoKind) HandleData(ch *channel.Channel, data []byte) error {
	_, err := ch.SendData(context.Background(), data)
	return err
}
func (echoKind) HandleExtendedData(ch *channel.Channel, t uint32, d []byte) error { return nil }
func (echoKind) HandleEOF(ch *channel.Channel)                                  { ch.SendEOF() }
func (echoKind) HandleClose(ch *channel.Channel)                               {}
func (echoKind) HandleRequest(ch *channel.Channel, req *router.Request) (router.Result, error) {
	return router.ReplySuccess, nil
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// newHandshakedPair drives a real SSH handshake over an in-memory pipe and
// wires the server side into connsvc through an Adapter, exactly as
// server.Listener.handleConn does for a real TCP connection.
func newHandshakedPair(t *testing.T) (*ssh.Client, *connsvc.Service) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	serverCfg := &ssh.ServerConfig{NoClientAuth: true}
	serverCfg.AddHostKey(newTestSigner(t))

	type serverResult struct {
		svc *connsvc.Service
		err error
	}
	resultCh := make(chan serverResult, 1)

	go func() {
		sc, chans, reqs, err := ssh.NewServerConn(serverConn, serverCfg)
		if err != nil {
			resultCh <- serverResult{err: err}
			return
		}
		adapter := sshadapter.New(sc, testLogger())
		svc := connsvc.New(adapter, connsvc.DefaultConfig(), testLogger())
		adapter.BindService(svc)
		svc.RegisterFactory("session", func() channel.Kind { return echoKind{} })
		go adapter.Serve(chans, reqs)
		resultCh <- serverResult{svc: svc}
	}()

	clientCfg := &ssh.ClientConfig{
		User:            "test",
		Auth:            []ssh.AuthMethod{},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	clientConnSSH, clientChans, clientReqs, err := ssh.NewClientConn(clientConn, "pipe", clientCfg)
	require.NoError(t, err)
	client := ssh.NewClient(clientConnSSH, clientChans, clientReqs)

	res := <-resultCh
	require.NoError(t, res.err)
	return client, res.svc
}

func TestAdapterSessionChannelDataRoundTrip(t *testing.T) {
	client, svc := newHandshakedPair(t)
	defer client.Close()

	sshCh, reqs, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)
	defer sshCh.Close()

	require.Eventually(t, func() bool { return svc.Count() == 1 }, time.Second, 5*time.Millisecond)

	_, err = sshCh.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(sshCh, buf)
		readDone <- err
	}()
	select {
	case err := <-readDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed data")
	}
	assert.Equal(t, "ping", string(buf))
}
