// Package forward implements the two RFC 4254 §7 reverse-forwarding
// global requests as external collaborators of the Connection Service:
// they listen on the server's behalf and open "forwarded-*" channels
// back to the peer for each accepted connection.
package forward

import (
	"context"
	"net"
	"strconv"

	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"

	"github.com/relayssh/connsvc/channel"
	"github.com/relayssh/connsvc/connsvc"
	"github.com/relayssh/connsvc/internal/syncx"
	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/wire"
)

type tcpipForwardMsg struct {
	Addr string
	Port uint32
}

type forwardedTCPIPMsg struct {
	Addr           string
	Port           uint32
	OriginatorAddr string
	OriginatorPort uint32
}

// TCPIPForwarder answers "tcpip-forward"/"cancel-tcpip-forward" global
// requests. AcceptLimiter bounds how fast newly accepted connections are
// turned into forwarded-tcpip channel opens, guarding the Connection
// Service against a burst on a popular forwarded port.
type TCPIPForwarder struct {
	svc     *connsvc.Service
	log     *slog.Logger
	allowed bool

	listeners     syncx.Map[string, net.Listener]
	AcceptLimiter *rate.Limiter
}

// NewTCPIPForwarder constructs a forwarder bound to one Connection
// Service. allowed is the deployment's AllowTcpipForward policy toggle.
func NewTCPIPForwarder(svc *connsvc.Service, allowed bool, log *slog.Logger) *TCPIPForwarder {
	return &TCPIPForwarder{
		svc:           svc,
		log:           log,
		allowed:       allowed,
		AcceptLimiter: rate.NewLimiter(rate.Limit(50), 50),
	}
}

// Register adds this forwarder's handler to the service's global
// request router.
func (f *TCPIPForwarder) Register() {
	f.svc.GlobalRouter().Add(router.HandlerFunc(f.handle))
}

func (f *TCPIPForwarder) handle(ctx context.Context, req *router.Request) (router.Result, error) {
	switch req.Name {
	case "tcpip-forward":
		return f.handleForward(ctx, req)
	case "cancel-tcpip-forward":
		return f.handleCancel(req)
	default:
		return router.Unsupported, nil
	}
}

func (f *TCPIPForwarder) handleForward(ctx context.Context, req *router.Request) (router.Result, error) {
	if !f.allowed {
		f.log.Info("tcpip-forward not allowed")
		return router.ReplyFailure, nil
	}
	var msg tcpipForwardMsg
	if err := wire.Unmarshal(req.Payload, &msg); err != nil {
		return router.ReplyFailure, nil
	}
	address := net.JoinHostPort(msg.Addr, strconv.Itoa(int(msg.Port)))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return router.ReplyFailure, nil
	}
	f.listeners.Store(address, ln)
	go f.acceptLoop(ln, msg)
	return router.ReplySuccess, nil
}

func (f *TCPIPForwarder) acceptLoop(ln net.Listener, msg tcpipForwardMsg) {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			f.log.Info("tcpip-forward listener stopped", "err", err)
			return
		}
		if err := f.AcceptLimiter.Wait(context.Background()); err != nil {
			conn.Close()
			continue
		}
		go f.relayOne(conn, msg)
	}
}

func (f *TCPIPForwarder) relayOne(conn net.Conn, msg tcpipForwardMsg) {
	reply := forwardedTCPIPMsg{Addr: msg.Addr, Port: msg.Port}
	if host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		port, _ := strconv.Atoi(portStr)
		reply.OriginatorAddr = host
		reply.OriginatorPort = uint32(port)
	}

	relay := channel.NewRelay("forwarded-tcpip", conn)
	ch, err := f.svc.OpenChannel(context.Background(), relay, wire.Marshal(reply))
	if err != nil {
		f.log.Info("peer refused forwarded-tcpip channel", "err", err)
		conn.Close()
		return
	}
	relay.Start(ch)
}

func (f *TCPIPForwarder) handleCancel(req *router.Request) (router.Result, error) {
	var msg tcpipForwardMsg
	if err := wire.Unmarshal(req.Payload, &msg); err != nil {
		return router.ReplyFailure, nil
	}
	address := net.JoinHostPort(msg.Addr, strconv.Itoa(int(msg.Port)))
	ln, loaded := f.listeners.LoadAndDelete(address)
	if !loaded {
		f.log.Info("failed to find listener", "address", address)
		return router.ReplyFailure, nil
	}
	if err := ln.Close(); err != nil {
		f.log.Info("failed to close listener", "err", err)
		return router.ReplyFailure, nil
	}
	return router.ReplySuccess, nil
}

// Close stops every active listener, for use by the close coordinator's
// shutdown path.
func (f *TCPIPForwarder) Close() {
	f.listeners.Range(func(_ string, ln net.Listener) bool {
		ln.Close()
		return true
	})
}
