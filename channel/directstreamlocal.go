package channel

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/wire"
)

type directStreamlocalMsg struct {
	SocketPath string
	Reserved0  string
	Reserved1  uint32
}

// DirectStreamlocal is the Kind for "direct-streamlocal@openssh.com"
// channels: Unix domain socket forwarding requested by the peer.
type DirectStreamlocal struct {
	log  *slog.Logger
	conn net.Conn
}

// NewDirectStreamlocalFactory returns a Factory building one
// DirectStreamlocal Kind per inbound channel open.
func NewDirectStreamlocalFactory(log *slog.Logger) func() Kind {
	return func() Kind { return &DirectStreamlocal{log: log} }
}

func (k *DirectStreamlocal) Type() string { return "direct-streamlocal@openssh.com" }

func (k *DirectStreamlocal) Accept(ctx context.Context, ch *Channel, typeData []byte) ([]byte, error) {
	var msg directStreamlocalMsg
	if err := wire.Unmarshal(typeData, &msg); err != nil {
		return nil, &OpenError{Reason: wire.ReasonConnectFailed, Message: "malformed direct-streamlocal request"}
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", msg.SocketPath)
	if err != nil {
		return nil, &OpenError{Reason: wire.ReasonConnectFailed, Message: err.Error()}
	}
	k.conn = conn
	go func() {
		io.Copy(chanWriter{ch: ch, ctx: context.Background()}, conn)
		ch.SendEOF()
		ch.SendClose()
	}()
	return nil, nil
}

func (k *DirectStreamlocal) HandleData(ch *Channel, data []byte) error {
	if k.conn == nil {
		return errors.New("direct-streamlocal: data before accept completed")
	}
	_, err := k.conn.Write(data)
	return err
}

func (k *DirectStreamlocal) HandleExtendedData(ch *Channel, dataType uint32, data []byte) error {
	return nil
}

func (k *DirectStreamlocal) HandleEOF(ch *Channel) {
	if k.conn != nil {
		if tc, ok := k.conn.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
	}
}

func (k *DirectStreamlocal) HandleClose(ch *Channel) {
	if k.conn != nil {
		k.conn.Close()
	}
}

func (k *DirectStreamlocal) HandleRequest(ch *Channel, req *router.Request) (router.Result, error) {
	return router.Unsupported, nil
}
