package forward

import (
	"context"
	"net"

	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"

	"github.com/relayssh/connsvc/channel"
	"github.com/relayssh/connsvc/connsvc"
	"github.com/relayssh/connsvc/internal/syncx"
	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/wire"
)

type streamlocalForwardMsg struct {
	SocketPath string
}

type forwardedStreamlocalMsg struct {
	SocketPath string
	Reserved   string
}

// StreamlocalForwarder answers
// "streamlocal-forward@openssh.com"/"cancel-streamlocal-forward@openssh.com",
// the Unix-domain-socket analogue of TCPIPForwarder. Grounded on the
// same teacher handlers, generalized from TCP to "unix" listeners.
type StreamlocalForwarder struct {
	svc     *connsvc.Service
	log     *slog.Logger
	allowed bool

	listeners     syncx.Map[string, net.Listener]
	AcceptLimiter *rate.Limiter
}

func NewStreamlocalForwarder(svc *connsvc.Service, allowed bool, log *slog.Logger) *StreamlocalForwarder {
	return &StreamlocalForwarder{
		svc:           svc,
		log:           log,
		allowed:       allowed,
		AcceptLimiter: rate.NewLimiter(rate.Limit(50), 50),
	}
}

func (f *StreamlocalForwarder) Register() {
	f.svc.GlobalRouter().Add(router.HandlerFunc(f.handle))
}

func (f *StreamlocalForwarder) handle(ctx context.Context, req *router.Request) (router.Result, error) {
	switch req.Name {
	case "streamlocal-forward@openssh.com":
		return f.handleForward(req)
	case "cancel-streamlocal-forward@openssh.com":
		return f.handleCancel(req)
	default:
		return router.Unsupported, nil
	}
}

func (f *StreamlocalForwarder) handleForward(req *router.Request) (router.Result, error) {
	if !f.allowed {
		f.log.Info("streamlocal-forward not allowed")
		return router.ReplyFailure, nil
	}
	var msg streamlocalForwardMsg
	if err := wire.Unmarshal(req.Payload, &msg); err != nil {
		return router.ReplyFailure, nil
	}
	ln, err := net.Listen("unix", msg.SocketPath)
	if err != nil {
		return router.ReplyFailure, nil
	}
	f.listeners.Store(msg.SocketPath, ln)
	go f.acceptLoop(ln, msg)
	return router.ReplySuccess, nil
}

func (f *StreamlocalForwarder) acceptLoop(ln net.Listener, msg streamlocalForwardMsg) {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			f.log.Info("streamlocal-forward listener stopped", "err", err)
			return
		}
		if err := f.AcceptLimiter.Wait(context.Background()); err != nil {
			conn.Close()
			continue
		}
		go f.relayOne(conn, msg)
	}
}

func (f *StreamlocalForwarder) relayOne(conn net.Conn, msg streamlocalForwardMsg) {
	reply := forwardedStreamlocalMsg{SocketPath: msg.SocketPath}
	relay := channel.NewRelay("forwarded-streamlocal@openssh.com", conn)
	ch, err := f.svc.OpenChannel(context.Background(), relay, wire.Marshal(reply))
	if err != nil {
		f.log.Info("peer refused forwarded-streamlocal channel", "err", err)
		conn.Close()
		return
	}
	relay.Start(ch)
}

func (f *StreamlocalForwarder) handleCancel(req *router.Request) (router.Result, error) {
	var msg streamlocalForwardMsg
	if err := wire.Unmarshal(req.Payload, &msg); err != nil {
		return router.ReplyFailure, nil
	}
	ln, loaded := f.listeners.LoadAndDelete(msg.SocketPath)
	if !loaded {
		f.log.Info("failed to find listener", "address", msg.SocketPath)
		return router.ReplyFailure, nil
	}
	if err := ln.Close(); err != nil {
		f.log.Info("failed to close listener", "err", err)
		return router.ReplyFailure, nil
	}
	return router.ReplySuccess, nil
}

// Close stops every active listener.
func (f *StreamlocalForwarder) Close() {
	f.listeners.Range(func(_ string, ln net.Listener) bool {
		ln.Close()
		return true
	})
}
