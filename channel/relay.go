package channel

import (
	"context"
	"io"
	"net"

	"github.com/relayssh/connsvc/router"
)

// Relay is the Kind for locally initiated forwarded channels
// ("forwarded-tcpip", "forwarded-streamlocal@openssh.com"): the
// forwarder already has a live net.Conn by the time it opens the
// channel, so all Relay does is shuttle bytes once the open completes,
// via the same pair of io.Copy goroutines a simple TCP proxy would use.
type Relay struct {
	typ  string
	conn net.Conn
}

// NewRelay wraps conn for use as the Kind of a locally opened channel.
func NewRelay(typ string, conn net.Conn) *Relay {
	return &Relay{typ: typ, conn: conn}
}

func (r *Relay) Type() string { return r.typ }

// Accept is never called: Relay channels are always opened locally via
// Service.OpenChannel, never accepted from an inbound CHANNEL_OPEN.
func (r *Relay) Accept(ctx context.Context, ch *Channel, typeData []byte) ([]byte, error) {
	return nil, nil
}

// Start begins the bidirectional relay; call once the channel's
// OpenFuture has resolved successfully.
func (r *Relay) Start(ch *Channel) {
	go func() {
		io.Copy(chanWriter{ch: ch, ctx: context.Background()}, r.conn)
		ch.SendEOF()
		ch.SendClose()
	}()
}

func (r *Relay) HandleData(ch *Channel, data []byte) error {
	_, err := r.conn.Write(data)
	return err
}

func (r *Relay) HandleExtendedData(ch *Channel, dataType uint32, data []byte) error { return nil }

func (r *Relay) HandleEOF(ch *Channel) {
	if tc, ok := r.conn.(interface{ CloseWrite() error }); ok {
		tc.CloseWrite()
	}
}

func (r *Relay) HandleClose(ch *Channel) {
	r.conn.Close()
}

func (r *Relay) HandleRequest(ch *Channel, req *router.Request) (router.Result, error) {
	return router.Unsupported, nil
}
