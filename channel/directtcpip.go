package channel

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/wire"
)

type directTcpipMsg struct {
	RemoteAddr string
	RemotePort uint32
	SourceAddr string
	SourcePort uint32
}

// DirectTCPIP is the Kind for "direct-tcpip" channels: port forwarding
// initiated by the peer (ssh -L). Accept does the dial;
// HandleData/HandleClose relay bytes once it succeeds, so the dial
// itself never runs inside the dispatcher goroutine.
type DirectTCPIP struct {
	log  *slog.Logger
	conn net.Conn
}

// NewDirectTCPIPFactory returns a Factory building one DirectTCPIP Kind
// per inbound "direct-tcpip" channel open.
func NewDirectTCPIPFactory(log *slog.Logger) func() Kind {
	return func() Kind { return &DirectTCPIP{log: log} }
}

func (k *DirectTCPIP) Type() string { return "direct-tcpip" }

func (k *DirectTCPIP) Accept(ctx context.Context, ch *Channel, typeData []byte) ([]byte, error) {
	var msg directTcpipMsg
	if err := wire.Unmarshal(typeData, &msg); err != nil {
		return nil, &OpenError{Reason: wire.ReasonConnectFailed, Message: "malformed direct-tcpip request"}
	}
	raddr := net.JoinHostPort(msg.RemoteAddr, strconv.Itoa(int(msg.RemotePort)))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", raddr)
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

func (k *DirectTCPIP) HandleData(ch *Channel, data []byte) error {
	if k.conn == nil {
		return errors.New("direct-tcpip: data before accept completed")
	}
	_, err := k.conn.Write(data)
	return err
}

func (k *DirectTCPIP) HandleExtendedData(ch *Channel, dataType uint32, data []byte) error { return nil }

func (k *DirectTCPIP) HandleEOF(ch *Channel) {
	if k.conn != nil {
		if tc, ok := k.conn.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
	}
}

func (k *DirectTCPIP) HandleClose(ch *Channel) {
	if k.conn != nil {
		k.conn.Close()
	}
}

func (k *DirectTCPIP) HandleRequest(ch *Channel, req *router.Request) (router.Result, error) {
	return router.Unsupported, nil
}
