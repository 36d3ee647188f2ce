// Package server accepts SSH connections and, once each one completes
// its transport handshake, hands it off to a fresh connsvc.Service: one
// Connection Service per network connection. The connection-protocol
// logic itself lives in connsvc/channel/forward; this package only
// wires those pieces together per accepted connection.
package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/channel"
	"github.com/relayssh/connsvc/connsvc"
	"github.com/relayssh/connsvc/closecoord"
	"github.com/relayssh/connsvc/forward"
	"github.com/relayssh/connsvc/transport/sshadapter"
)

// Policy carries the per-feature permission toggles a deployment uses
// to enable or disable execution, sftp, and the various forwarding
// modes independently.
type Policy struct {
	AllowExecute            bool
	AllowSftp               bool
	AllowTcpipForward       bool
	AllowDirectTcpip        bool
	AllowStreamlocalForward bool
	AllowDirectStreamlocal  bool
}

// Listener accepts SSH connections on a net.Listener and drives one
// connsvc.Service per connection to completion.
type Listener struct {
	SSHConfig *ssh.ServerConfig
	Shell     string
	Policy    Policy
	ConnConfig connsvc.Config
	Log       *slog.Logger
}

// Serve accepts connections from ln until ctx is cancelled or Accept
// fails. Each accepted connection is handled in its own goroutine.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "server: accept failed")
			}
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, nc net.Conn) {
	sessionID := uuid.NewString()
	log := l.Log.With("session", sessionID, "remote", nc.RemoteAddr().String())

	sshConn, chans, reqs, err := ssh.NewServerConn(nc, l.SSHConfig)
	if err != nil {
		log.Info("ssh handshake failed", "err", err)
		nc.Close()
		return
	}
	defer sshConn.Close()

	adapter := sshadapter.New(sshConn, log)
	svc := connsvc.New(adapter, l.ConnConfig, log)
	adapter.BindService(svc)

	svc.RegisterFactory("session", channel.NewSessionFactory(l.Shell, l.Policy.AllowExecute, l.Policy.AllowSftp, log))
	if l.Policy.AllowDirectTcpip {
		svc.RegisterFactory("direct-tcpip", channel.NewDirectTCPIPFactory(log))
	}
	if l.Policy.AllowDirectStreamlocal {
		svc.RegisterFactory("direct-streamlocal@openssh.com", channel.NewDirectStreamlocalFactory(log))
	}
	svc.RegisterNoMoreSessions()

	tcpFwd := forward.NewTCPIPForwarder(svc, l.Policy.AllowTcpipForward, log)
	tcpFwd.Register()
	streamFwd := forward.NewStreamlocalForwarder(svc, l.Policy.AllowStreamlocalForward, log)
	streamFwd.Register()

	coord := closecoord.New(svc, log)
	coord.AddCloser("tcpip-forward", tcpFwd)
	coord.AddCloser("streamlocal-forward", streamFwd)

	done := make(chan struct{})
	go func() {
		defer close(done)
		adapter.Serve(chans, reqs)
	}()

	select {
	case <-done:
		coord.Graceful(context.Background())
	case <-ctx.Done():
		coord.Immediate(context.Background())
		<-done
	}
	log.Info("session ended")
}

// GenerateHostKey produces a fresh 2048-bit RSA host key in PEM form,
// for first-run servers with no configured key.
func GenerateHostKey() ([]byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	if err := priv.Validate(); err != nil {
		return nil, err
	}
	b := x509.MarshalPKCS1PrivateKey(priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: b}), nil
}
