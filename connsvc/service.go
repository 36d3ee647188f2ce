// Package connsvc implements the connection service: the channel
// registry and dispatcher that owns every open channel in one SSH
// session, performs channel-open negotiation in both directions, and
// demultiplexes inbound connection-protocol messages.
package connsvc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/channel"
	"github.com/relayssh/connsvc/internal/future"
	"github.com/relayssh/connsvc/internal/syncx"
	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/transport"
	"github.com/relayssh/connsvc/window"
	"github.com/relayssh/connsvc/wire"
)

// Factory builds the Kind for a newly accepted inbound channel of a
// registered type.
type Factory func() channel.Kind

// Service is the connection service: the per-session channel registry
// and message dispatcher.
type Service struct {
	sender transport.Endpoint
	log    *slog.Logger
	cfg    Config

	// shutdownMu is the read-write shutdown barrier: readers
	// (registerChannel) take RLock, the one flip to closing takes Lock.
	shutdownMu sync.RWMutex
	closing    bool
	closed     bool

	channels      syncx.Map[uint32, *channel.Channel]
	nextChannelID uint32

	allowMoreSessions atomic.Bool

	factoriesMu sync.RWMutex
	factories   map[string]Factory

	globalRouter   *router.Chain
	channelRouter  *router.Chain
	pendingGlobal  []*future.Future[channel.ReplyResult]
	pendingGlobalM sync.Mutex

	// OnFatal is invoked at most once, from whichever goroutine detects
	// a session-fatal protocol violation; the transport layer is
	// expected to tear the whole session down in response.
	OnFatal func(err error)
}

// New constructs a ConnectionService bound to one transport endpoint.
func New(sender transport.Endpoint, cfg Config, log *slog.Logger) *Service {
	s := &Service{
		sender:    sender,
		log:       log,
		cfg:       cfg,
		factories: make(map[string]Factory),
	}
	s.allowMoreSessions.Store(cfg.AllowMoreSessions)
	s.globalRouter = router.NewChain(log.With("router", "global"))
	s.channelRouter = router.NewChain(log.With("router", "channel"))
	return s
}

// GlobalRouter exposes the handler chain for global requests.
func (s *Service) GlobalRouter() *router.Chain { return s.globalRouter }

// ChannelRouter exposes the default handler chain channel Kinds may
// delegate to for requests they don't special-case themselves.
func (s *Service) ChannelRouter() *router.Chain { return s.channelRouter }

// RegisterFactory associates a channel type name with a Factory used to
// build Kinds for inbound opens of that type.
func (s *Service) RegisterFactory(typ string, f Factory) {
	s.factoriesMu.Lock()
	defer s.factoriesMu.Unlock()
	s.factories[typ] = f
}

func (s *Service) lookupFactory(typ string) (Factory, bool) {
	s.factoriesMu.RLock()
	defer s.factoriesMu.RUnlock()
	f, ok := s.factories[typ]
	return f, ok
}

// SetAllowMoreSessions flips the policy latch controlling whether new
// "session" channels may be opened; also reachable via the
// no-more-sessions@openssh.com global request.
func (s *Service) SetAllowMoreSessions(allow bool) {
	s.allowMoreSessions.Store(allow)
}

// Send implements channel.Sender: every outbound packet funnels through
// the transport's single write queue, keeping wire order deterministic
// even when multiple channels write concurrently.
func (s *Service) Send(payload []byte) transport.WriteFuture {
	return s.sender.SendPacket(payload)
}

// Unregister implements channel.Sender.
func (s *Service) Unregister(localID uint32) {
	s.channels.Delete(localID)
}

// Lookup returns the channel registered under localID, if any, and
// whether one is registered (used by tests and by forwarders).
func (s *Service) Lookup(localID uint32) (*channel.Channel, bool) {
	return s.channels.Load(localID)
}

// Count returns the number of currently registered channels.
func (s *Service) Count() int { return s.channels.Len() }

// registerChannel allocates a local channel id, builds the Channel, and
// adds it to the registry, refusing if the service is at capacity or
// already closing.
func (s *Service) registerChannel(kind channel.Kind, localWindow *window.Window) (*channel.Channel, error) {
	if s.cfg.MaxChannels > 0 && uint32(s.channels.Len()) >= s.cfg.MaxChannels {
		return nil, ErrTooManyChannels
	}

	id := atomic.AddUint32(&s.nextChannelID, 1) - 1
	ch := channel.New(id, kind, localWindow, s, s.log)

	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.closing {
		return nil, ErrServiceClosing
	}
	s.channels.Store(id, ch)
	return ch, nil
}

// OpenChannel performs a locally initiated channel open: register, send
// CHANNEL_OPEN, and wait (bounded by cfg.ChannelOpenTimeout) for the
// peer's confirmation or failure.
func (s *Service) OpenChannel(ctx context.Context, kind channel.Kind, typeData []byte) (*channel.Channel, error) {
	localWindow := window.New(s.cfg.WindowSize, s.cfg.WindowSize, s.cfg.PacketSize)
	ch, err := s.registerChannel(kind, localWindow)
	if err != nil {
		return nil, err
	}
	ch.RequestOpen(typeData)
	if _, err := ch.OpenFuture().Wait(ctx, s.cfg.ChannelOpenTimeout); err != nil {
		s.Unregister(ch.LocalID)
		return nil, err
	}
	return ch, nil
}

// Closing reports whether the service has begun shutting down.
func (s *Service) Closing() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.closing
}

// BeginClosing flips the closing latch so further registerChannel and
// inbound CHANNEL_OPEN calls are refused; used by the close
// coordinator.
func (s *Service) BeginClosing() {
	s.shutdownMu.Lock()
	s.closing = true
	s.shutdownMu.Unlock()
}

// Channels returns a snapshot of all currently registered channels, for
// the close coordinator to iterate.
func (s *Service) Channels() []*channel.Channel {
	var out []*channel.Channel
	s.channels.Range(func(_ uint32, ch *channel.Channel) bool {
		out = append(out, ch)
		return true
	})
	return out
}

// ---- Dispatch ----

// Process demultiplexes one inbound connection-protocol packet (spec
// §4.3, §5.2: at most one Process call executes at a time per session).
func (s *Service) Process(cmd uint8, payload []byte) error {
	switch cmd {
	case wire.MsgChannelOpen:
		return s.handleChannelOpen(payload)
	case wire.MsgChannelOpenConfirmation:
		return s.withChannel(cmd, payload, func(ch *channel.Channel, rest []byte) error {
			var msg wire.ChannelOpenConfirmationMsg
			if err := wire.Unmarshal(payload, &msg); err != nil {
				return errors.Wrap(err, "connsvc: malformed CHANNEL_OPEN_CONFIRMATION")
			}
			ch.HandleOpenConfirmation(msg.SenderID, msg.WindowSize, msg.MaxPacketSize)
			return nil
		})
	case wire.MsgChannelOpenFailure:
		var msg wire.ChannelOpenFailureMsg
		if err := wire.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, "connsvc: malformed CHANNEL_OPEN_FAILURE")
		}
		ch, ok := s.channels.Load(msg.RecipientID)
		if !ok {
			return s.unknownChannel(msg.RecipientID, cmd)
		}
		s.Unregister(ch.LocalID)
		ch.HandleOpenFailure(msg.Reason, msg.Message)
		return nil
	case wire.MsgChannelData:
		var msg wire.DataMsg
		if err := wire.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, "connsvc: malformed CHANNEL_DATA")
		}
		ch, ok := s.channels.Load(msg.RecipientID)
		if !ok {
			return s.unknownChannel(msg.RecipientID, cmd)
		}
		return ch.HandleData(msg.Data)
	case wire.MsgChannelExtendedData:
		var msg wire.ExtendedDataMsg
		if err := wire.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, "connsvc: malformed CHANNEL_EXTENDED_DATA")
		}
		ch, ok := s.channels.Load(msg.RecipientID)
		if !ok {
			return s.unknownChannel(msg.RecipientID, cmd)
		}
		return ch.HandleExtendedData(msg.DataType, msg.Data)
	case wire.MsgChannelWindowAdjust:
		var msg wire.WindowAdjustMsg
		if err := wire.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, "connsvc: malformed CHANNEL_WINDOW_ADJUST")
		}
		ch, ok := s.channels.Load(msg.RecipientID)
		if !ok {
			return s.unknownChannel(msg.RecipientID, cmd)
		}
		return ch.HandleWindowAdjust(msg.AdditionalBytes)
	case wire.MsgChannelEOF:
		var msg wire.EOFMsg
		if err := wire.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, "connsvc: malformed CHANNEL_EOF")
		}
		ch, ok := s.channels.Load(msg.RecipientID)
		if !ok {
			return s.unknownChannel(msg.RecipientID, cmd)
		}
		ch.HandleEOF()
		return nil
	case wire.MsgChannelClose:
		var msg wire.CloseMsg
		if err := wire.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, "connsvc: malformed CHANNEL_CLOSE")
		}
		ch, ok := s.channels.Load(msg.RecipientID)
		if !ok {
			return s.unknownChannel(msg.RecipientID, cmd)
		}
		ch.HandleClose()
		return nil
	case wire.MsgChannelRequest:
		return s.handleChannelRequest(payload)
	case wire.MsgChannelSuccess:
		var msg wire.ChannelSuccessMsg
		if err := wire.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, "connsvc: malformed CHANNEL_SUCCESS")
		}
		ch, ok := s.channels.Load(msg.RecipientID)
		if !ok {
			return s.unknownChannel(msg.RecipientID, cmd)
		}
		return ch.HandleRequestReply(true)
	case wire.MsgChannelFailure:
		var msg wire.ChannelFailureMsg
		if err := wire.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, "connsvc: malformed CHANNEL_FAILURE")
		}
		ch, ok := s.channels.Load(msg.RecipientID)
		if !ok {
			return s.unknownChannel(msg.RecipientID, cmd)
		}
		return ch.HandleRequestReply(false)
	case wire.MsgGlobalRequest:
		return s.handleGlobalRequest(payload)
	case wire.MsgRequestSuccess:
		return s.handleGlobalReply(true, payload)
	case wire.MsgRequestFailure:
		return s.handleGlobalReply(false, payload)
	default:
		err := &UnsupportedMessageError{Cmd: cmd}
		s.fatal(err)
		return err
	}
}

func (s *Service) withChannel(cmd uint8, payload []byte, f func(ch *channel.Channel, rest []byte) error) error {
	// payload is the message number byte followed by uint32 recipient.
	if len(payload) < 5 {
		return errors.New("connsvc: malformed channel message")
	}
	recipientID := binary.BigEndian.Uint32(payload[1:5])
	ch, ok := s.channels.Load(recipientID)
	if !ok {
		return s.unknownChannel(recipientID, cmd)
	}
	return f(ch, payload)
}

func (s *Service) unknownChannel(id uint32, cmd uint8) error {
	err := &UnknownChannelError{ID: id, Cmd: cmd}
	s.fatal(err)
	return err
}

// fatal propagates a session-fatal protocol violation: every other
// channel's pending futures fail with ClosedChannel and OnFatal is
// invoked so the owning session can tear the transport down.
func (s *Service) fatal(err error) {
	s.log.Error("session-fatal protocol violation", "err", err)
	for _, ch := range s.Channels() {
		ch.ForceClose(errors.New("connsvc: session closed due to protocol violation"))
	}
	if s.OnFatal != nil {
		s.OnFatal(err)
	}
}

func (s *Service) handleChannelOpen(payload []byte) error {
	var msg wire.ChannelOpenMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return errors.Wrap(err, "connsvc: malformed CHANNEL_OPEN")
	}

	if s.Closing() {
		s.sendOpenFailure(msg.SenderID, wire.ReasonConnectFailed, ErrServiceClosing.Error())
		return nil
	}

	refuseForPolicy := !s.allowMoreSessions.Load() &&
		(msg.ChanType == "session" || !s.cfg.StrictSessionPolicy)
	if refuseForPolicy {
		s.sendOpenFailure(msg.SenderID, wire.ReasonAdministrativelyProhibited, ErrNoMoreSessions.Error())
		return nil
	}

	factory, ok := s.lookupFactory(msg.ChanType)
	if !ok {
		s.sendOpenFailure(msg.SenderID, wire.ReasonUnknownChannelType,
			fmt.Sprintf("%s: %s", ErrUnknownChannelType, msg.ChanType))
		return nil
	}

	localWindow := window.New(s.cfg.WindowSize, s.cfg.WindowSize, s.cfg.PacketSize)
	ch, err := s.registerChannel(factory(), localWindow)
	if err != nil {
		reason, message := classifyRegisterError(err)
		s.sendOpenFailure(msg.SenderID, reason, message)
		return nil
	}

	ctx := context.Background()
	if s.cfg.ChannelOpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ChannelOpenTimeout)
		go func() {
			defer cancel()
			<-ch.OpenFuture().Done()
		}()
	}

	go func() {
		ch.AcceptInbound(ctx, msg.SenderID, msg.WindowSize, msg.MaxPacketSize, msg.TypeSpecificData)
		s.completeInboundOpen(ch, msg.SenderID)
	}()
	return nil
}

func (s *Service) completeInboundOpen(ch *channel.Channel, recipientID uint32) {
	res, err := ch.OpenFuture().MustDone()
	if err != nil {
		reason, message := classifyOpenError(err)
		s.sendOpenFailure(recipientID, reason, message)
		return
	}
	s.Send(wire.Marshal(wire.ChannelOpenConfirmationMsg{
		RecipientID:   recipientID,
		SenderID:      ch.LocalID,
		WindowSize:    ch.LocalWindow().Size(),
		MaxPacketSize: ch.LocalWindow().PacketSize(),
	}))
	_ = res
}

func (s *Service) sendOpenFailure(recipientID, reason uint32, message string) {
	s.Send(wire.Marshal(wire.ChannelOpenFailureMsg{
		RecipientID: recipientID,
		Reason:      reason,
		Message:     message,
	}))
}

func classifyRegisterError(err error) (uint32, string) {
	switch {
	case errors.Is(err, ErrTooManyChannels):
		return wire.ReasonResourceShortage, err.Error()
	case errors.Is(err, ErrServiceClosing):
		return wire.ReasonConnectFailed, err.Error()
	default:
		return wire.ReasonConnectFailed, err.Error()
	}
}

func classifyOpenError(err error) (uint32, string) {
	var oe *channel.OpenError
	if errors.As(err, &oe) {
		return oe.Reason, oe.Message
	}
	return wire.ReasonConnectFailed, err.Error()
}

func (s *Service) handleChannelRequest(payload []byte) error {
	var msg wire.ChannelRequestMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return errors.Wrap(err, "connsvc: malformed CHANNEL_REQUEST")
	}
	ch, ok := s.channels.Load(msg.RecipientID)
	if !ok {
		return s.unknownChannel(msg.RecipientID, wire.MsgChannelRequest)
	}

	req := &router.Request{
		Name:      msg.Request,
		WantReply: msg.WantReply,
		Payload:   msg.RequestSpecificData,
		ChannelID: &msg.RecipientID,
	}

	result, err := ch.HandleRequest(req)
	if err != nil {
		s.log.Warn("channel request handler failed", "request", msg.Request, "err", err)
		result = router.ReplyFailure
	}

	switch result {
	case router.Replied:
		return nil
	case router.ReplySuccess:
		if msg.WantReply {
			remoteID, _ := ch.RemoteID()
			s.Send(wire.Marshal(wire.ChannelSuccessMsg{RecipientID: remoteID}))
		}
	default: // ReplyFailure, Unsupported
		if msg.WantReply {
			remoteID, _ := ch.RemoteID()
			s.Send(wire.Marshal(wire.ChannelFailureMsg{RecipientID: remoteID}))
		}
	}
	return nil
}

func (s *Service) handleGlobalRequest(payload []byte) error {
	var msg wire.GlobalRequestMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return errors.Wrap(err, "connsvc: malformed GLOBAL_REQUEST")
	}
	req := &router.Request{
		Name:      msg.Type,
		WantReply: msg.WantReply,
		Payload:   msg.RequestSpecificData,
	}
	result := s.globalRouter.Dispatch(context.Background(), req)
	switch result {
	case router.Replied:
		return nil
	case router.ReplySuccess:
		if msg.WantReply {
			s.Send(wire.Marshal(wire.GlobalRequestSuccessMsg{}))
		}
	default:
		if msg.WantReply {
			s.Send(wire.Marshal(wire.GlobalRequestFailureMsg{}))
		}
	}
	return nil
}

// SendGlobalRequest sends SSH_MSG_GLOBAL_REQUEST; if wantReply, the
// returned future resolves in FIFO order with the matching
// REQUEST_SUCCESS/REQUEST_FAILURE: the peer answers global requests in
// the order they were sent, so this dequeues the head of a per-session
// queue on each reply.
func (s *Service) SendGlobalRequest(name string, wantReply bool, payload []byte) *future.Future[channel.ReplyResult] {
	var rf *future.Future[channel.ReplyResult]
	if wantReply {
		rf = future.New[channel.ReplyResult]()
		s.pendingGlobalM.Lock()
		s.pendingGlobal = append(s.pendingGlobal, rf)
		s.pendingGlobalM.Unlock()
	}
	s.Send(wire.Marshal(wire.GlobalRequestMsg{
		Type:                name,
		WantReply:           wantReply,
		RequestSpecificData: payload,
	}))
	return rf
}

func (s *Service) handleGlobalReply(success bool, _ []byte) error {
	s.pendingGlobalM.Lock()
	if len(s.pendingGlobal) == 0 {
		s.pendingGlobalM.Unlock()
		return errors.New("connsvc: unexpected global request reply")
	}
	rf := s.pendingGlobal[0]
	s.pendingGlobal = s.pendingGlobal[1:]
	s.pendingGlobalM.Unlock()
	rf.Resolve(channel.ReplyResult{Success: success})
	return nil
}

// FailPendingGlobalRequests unblocks every goroutine waiting on a
// SendGlobalRequest reply with err; used by the close coordinator's
// immediate-close path.
func (s *Service) FailPendingGlobalRequests(err error) {
	s.failAllPendingGlobal(err)
}

// failAllPendingGlobal is used by the close coordinator's immediate
// close to unblock any goroutine waiting on a global request reply.
func (s *Service) failAllPendingGlobal(err error) {
	s.pendingGlobalM.Lock()
	pending := s.pendingGlobal
	s.pendingGlobal = nil
	s.pendingGlobalM.Unlock()
	for _, rf := range pending {
		rf.Fail(err)
	}
}
