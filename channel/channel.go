// Package channel implements the abstract Channel state machine: one
// logical stream multiplexed inside an SSH session, covering the open
// handshake, data/extended-data transfer under flow control,
// EOF/close, and request/response.
//
// Channel polymorphism is collapsed into a tagged sum: a single
// Channel carries the shared state machine and defers to a pluggable
// Kind for anything type-specific (session, direct-tcpip,
// direct-streamlocal, and the forwarded-* relay kinds).
package channel

import (
	"context"
	"math"
	"sync"

	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/internal/future"
	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/transport"
	"github.com/relayssh/connsvc/window"
	"github.com/relayssh/connsvc/wire"

	"github.com/pkg/errors"
)

// State is one of the four states a Channel moves through. EOF sent and
// EOF received are tracked as separate latches (see EOFState), not as
// states.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OpenError carries the RFC 4254 reason code and message to use in a
// CHANNEL_OPEN_FAILURE when an inbound open is refused.
type OpenError struct {
	Reason  uint32
	Message string
}

func (e *OpenError) Error() string {
	return e.Message
}

// OpenResult is the value an OpenFuture resolves with on success.
type OpenResult struct {
	RemoteID   uint32
	WindowSize uint32
	PacketSize uint32
}

// ReplyResult is what a FIFO-ordered outbound channel request resolves
// with when the peer answers with CHANNEL_SUCCESS/CHANNEL_FAILURE.
type ReplyResult struct {
	Success bool
}

// Sender is the narrow surface Channel needs from whatever owns the
// transport connection: enqueue an outbound packet, and drop the
// channel from the registry once it is fully closed.
type Sender interface {
	Send(payload []byte) transport.WriteFuture
	Unregister(localID uint32)
}

// Kind supplies the behavior that distinguishes one RFC 4254 channel
// type from another; Channel itself only knows the shared state
// machine. Exactly one Kind value is held per Channel for its lifetime.
type Kind interface {
	// Type returns the channel type string, e.g. "session".
	Type() string

	// Accept is invoked once, after registration, for inbound opens. It
	// may block or do asynchronous I/O (e.g. dialing a forward target);
	// its return value resolves the channel's OpenFuture. A non-nil
	// *OpenError shapes the CHANNEL_OPEN_FAILURE sent to the peer.
	Accept(ctx context.Context, ch *Channel, typeData []byte) (replyData []byte, err error)

	// HandleData/HandleExtendedData deliver inbound payload to the
	// user-level sink, in wire order, after window accounting already
	// succeeded.
	HandleData(ch *Channel, data []byte) error
	HandleExtendedData(ch *Channel, dataType uint32, data []byte) error

	// HandleEOF and HandleClose notify the sink that no more data will
	// arrive, respectively that the channel is gone.
	HandleEOF(ch *Channel)
	HandleClose(ch *Channel)

	// HandleRequest answers an inbound channel request. The dispatcher
	// calls it directly, not through a router.Chain: a returned error is
	// answered as a failure, and a panic is not recovered.
	HandleRequest(ch *Channel, req *router.Request) (router.Result, error)
}

// Channel is one logical, bidirectional stream multiplexed over an SSH
// session.
type Channel struct {
	LocalID uint32

	mu          sync.Mutex
	remoteID    uint32
	remoteIDSet bool
	state       State
	eofSent     bool
	eofReceived bool

	localWindow  *window.Window
	remoteWindow *window.Window
	maxPacket    uint32 // peer's advertised max packet size, set on open

	kind Kind

	pendingRequests []*future.Future[ReplyResult]

	openFuture  *future.Future[OpenResult]
	closeFuture *future.Future[struct{}]
	closeSent   bool
	closeRecv   bool

	sender Sender
	log    *slog.Logger
}

// New constructs a Channel in the Opening state. localWindow is this
// side's advertised receive window; remoteWindow is filled in once the
// peer's parameters are known (inbound: immediately from CHANNEL_OPEN;
// outbound: on CHANNEL_OPEN_CONFIRMATION).
func New(localID uint32, kind Kind, localWindow *window.Window, sender Sender, log *slog.Logger) *Channel {
	return &Channel{
		LocalID:      localID,
		state:        StateOpening,
		localWindow:  localWindow,
		kind:         kind,
		sender:       sender,
		log:          log.With("channel", localID, "type", kind.Type()),
		openFuture:   future.New[OpenResult](),
		closeFuture:  future.New[struct{}](),
	}
}

// Type returns the RFC 4254 channel type string.
func (c *Channel) Type() string { return c.kind.Type() }

// KindOf returns the Kind backing this channel, so a caller that just
// opened a channel outbound (and so already knows its concrete type)
// can reach type-specific behavior like Relay.Start.
func (c *Channel) KindOf() Kind { return c.kind }

// State returns the current state under the channel-local lock.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteID returns the peer's channel id, valid once the channel has
// reached Open.
func (c *Channel) RemoteID() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID, c.remoteIDSet
}

// OpenFuture resolves when an inbound or outbound open completes.
func (c *Channel) OpenFuture() *future.Future[OpenResult] { return c.openFuture }

// CloseFuture resolves once the channel has reached Closed.
func (c *Channel) CloseFuture() *future.Future[struct{}] { return c.closeFuture }

// LocalWindow returns this side's receive window.
func (c *Channel) LocalWindow() *window.Window { return c.localWindow }

// EOFState reports the independent EofSent/EofReceived latches.
func (c *Channel) EOFState() (sent, received bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eofSent, c.eofReceived
}

// ---- Opening (inbound) ----

// AcceptInbound runs the Kind's accept decision for an inbound
// CHANNEL_OPEN and resolves openFuture; it does not itself send any
// wire packet — the dispatcher does that once the future settles, so
// no confirmation or failure reaches the peer before any reply is
// observed.
func (c *Channel) AcceptInbound(ctx context.Context, sender, initWindow, maxPacket uint32, typeData []byte) {
	c.mu.Lock()
	c.remoteID = sender
	c.remoteIDSet = true
	c.remoteWindow = window.New(initWindow, math.MaxUint32, maxPacket)
	c.maxPacket = maxPacket
	c.mu.Unlock()

	replyData, err := c.kind.Accept(ctx, c, typeData)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.sender.Unregister(c.LocalID)
		c.openFuture.Fail(err)
		return
	}

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	c.openFuture.Resolve(OpenResult{RemoteID: sender, WindowSize: initWindow, PacketSize: maxPacket})
	_ = replyData // reserved for type-specific confirmation payloads
}

// ---- Opening (outbound) ----

// RequestOpen sends CHANNEL_OPEN for a locally initiated channel.
func (c *Channel) RequestOpen(typeData []byte) transport.WriteFuture {
	localWin := c.localWindow
	return c.sender.Send(wire.Marshal(wire.ChannelOpenMsg{
		ChanType:         c.kind.Type(),
		SenderID:         c.LocalID,
		WindowSize:       localWin.Size(),
		MaxPacketSize:    localWin.PacketSize(),
		TypeSpecificData: typeData,
	}))
}

// HandleOpenConfirmation processes SSH_MSG_CHANNEL_OPEN_CONFIRMATION
// for a channel this side opened.
func (c *Channel) HandleOpenConfirmation(remoteID, winSize, maxPacket uint32) {
	c.mu.Lock()
	c.remoteID = remoteID
	c.remoteIDSet = true
	c.remoteWindow = window.New(winSize, math.MaxUint32, maxPacket)
	c.maxPacket = maxPacket
	c.state = StateOpen
	c.mu.Unlock()
	c.openFuture.Resolve(OpenResult{RemoteID: remoteID, WindowSize: winSize, PacketSize: maxPacket})
}

// HandleOpenFailure processes SSH_MSG_CHANNEL_OPEN_FAILURE for a
// channel this side opened; the caller (dispatcher) removes it from the
// registry.
func (c *Channel) HandleOpenFailure(reason uint32, message string) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.openFuture.Fail(&OpenError{Reason: reason, Message: message})
}

// ---- Data transfer ----

// HandleData processes inbound SSH_MSG_CHANNEL_DATA: enforces both the
// per-packet and aggregate local-window limits, then
// delivers to the Kind's sink.
func (c *Channel) HandleData(data []byte) error {
	c.mu.Lock()
	if c.state != StateOpen && c.state != StateClosing {
		c.mu.Unlock()
		return errors.Errorf("channel %d: data received in state %s", c.LocalID, c.state)
	}
	lw := c.localWindow
	c.mu.Unlock()

	if err := lw.Check(uint32(len(data)), lw.PacketSize()); err != nil {
		return errors.Wrapf(err, "channel %d: window violation on data", c.LocalID)
	}
	if err := lw.Consume(uint32(len(data))); err != nil {
		return err
	}
	if err := c.kind.HandleData(c, data); err != nil {
		return err
	}
	c.maybeSendWindowAdjust()
	return nil
}

// HandleExtendedData processes SSH_MSG_CHANNEL_EXTENDED_DATA. Only
// SSH_EXTENDED_DATA_STDERR is accepted on client-to-server session
// channels; any other type is a protocol violation.
func (c *Channel) HandleExtendedData(dataType uint32, data []byte) error {
	if dataType != wire.ExtendedDataTypeStderr {
		return errors.Errorf("channel %d: unsupported extended data type %d", c.LocalID, dataType)
	}
	lw := c.localWindow
	if err := lw.Check(uint32(len(data)), lw.PacketSize()); err != nil {
		return errors.Wrapf(err, "channel %d: window violation on extended data", c.LocalID)
	}
	if err := lw.Consume(uint32(len(data))); err != nil {
		return err
	}
	if err := c.kind.HandleExtendedData(c, dataType, data); err != nil {
		return err
	}
	c.maybeSendWindowAdjust()
	return nil
}

func (c *Channel) maybeSendWindowAdjust() {
	if !c.localWindow.LowWaterMark() {
		return
	}
	adj := c.localWindow.ReplenishAmount()
	if adj == 0 {
		return
	}
	c.mu.Lock()
	remoteID, ok := c.remoteID, c.remoteIDSet
	c.mu.Unlock()
	if !ok {
		return
	}
	c.sender.Send(wire.Marshal(wire.WindowAdjustMsg{RecipientID: remoteID, AdditionalBytes: adj}))
}

// SendData fragments p so that every outbound CHANNEL_DATA fragment is
// at most remoteWindow.PacketSize and never sent unless enough window
// remains, blocking (subject to ctx) until WINDOW_ADJUST arrives
// otherwise.
func (c *Channel) SendData(ctx context.Context, p []byte) (int, error) {
	return c.sendFragments(ctx, p, func(remoteID uint32, fragment []byte) []byte {
		return wire.Marshal(wire.DataMsg{RecipientID: remoteID, Data: fragment})
	})
}

// SendExtendedData is SendData for SSH_MSG_CHANNEL_EXTENDED_DATA, used
// by session channels to relay a subprocess's stderr.
func (c *Channel) SendExtendedData(ctx context.Context, dataType uint32, p []byte) (int, error) {
	return c.sendFragments(ctx, p, func(remoteID uint32, fragment []byte) []byte {
		return wire.Marshal(wire.ExtendedDataMsg{RecipientID: remoteID, DataType: dataType, Data: fragment})
	})
}

func (c *Channel) sendFragments(ctx context.Context, p []byte, marshal func(remoteID uint32, fragment []byte) []byte) (int, error) {
	sent := 0
	for len(p) > 0 {
		c.mu.Lock()
		state := c.state
		eofSent := c.eofSent
		c.mu.Unlock()
		if state == StateClosed || state == StateClosing || eofSent {
			return sent, errors.Errorf("channel %d: send on closed/half-closed channel", c.LocalID)
		}

		rw := c.remoteWindow
		maxPkt := rw.PacketSize()
		fragLen := uint32(len(p))
		if fragLen > maxPkt {
			fragLen = maxPkt
		}

		for {
			if err := rw.WaitForCredit(ctx, 1); err != nil {
				return sent, err
			}
			if avail := rw.Size(); avail < fragLen {
				fragLen = avail
				if fragLen == 0 {
					continue
				}
			}
			if err := rw.Consume(fragLen); err == nil {
				break
			}
		}

		remoteID, _ := c.RemoteID()
		wf := c.sender.Send(marshal(remoteID, p[:fragLen]))
		if err := wf.Wait(ctx); err != nil {
			return sent, err
		}
		sent += int(fragLen)
		p = p[fragLen:]
	}
	return sent, nil
}

// HandleWindowAdjust processes SSH_MSG_CHANNEL_WINDOW_ADJUST, crediting
// the remote window so blocked writers can proceed.
func (c *Channel) HandleWindowAdjust(n uint32) error {
	if c.remoteWindow == nil {
		return errors.Errorf("channel %d: window adjust before open", c.LocalID)
	}
	if err := c.remoteWindow.Expand(n); err != nil {
		return errors.Wrapf(err, "channel %d", c.LocalID)
	}
	return nil
}

// ---- EOF / Close ----

// HandleEOF processes SSH_MSG_CHANNEL_EOF.
func (c *Channel) HandleEOF() {
	c.mu.Lock()
	c.eofReceived = true
	c.mu.Unlock()
	c.kind.HandleEOF(c)
}

// SendEOF sends SSH_MSG_CHANNEL_EOF; no further data may be sent
// afterwards.
func (c *Channel) SendEOF() error {
	c.mu.Lock()
	if c.eofSent {
		c.mu.Unlock()
		return nil
	}
	c.eofSent = true
	remoteID, ok := c.remoteID, c.remoteIDSet
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("channel %d: EOF before open", c.LocalID)
	}
	c.sender.Send(wire.Marshal(wire.EOFMsg{RecipientID: remoteID}))
	return nil
}

// SendClose sends SSH_MSG_CHANNEL_CLOSE exactly once and
// moves the channel to Closing.
func (c *Channel) SendClose() {
	c.mu.Lock()
	if c.closeSent {
		c.mu.Unlock()
		return
	}
	c.closeSent = true
	if c.state != StateClosed {
		c.state = StateClosing
	}
	remoteID, ok := c.remoteID, c.remoteIDSet
	c.mu.Unlock()
	if ok {
		c.sender.Send(wire.Marshal(wire.CloseMsg{RecipientID: remoteID}))
	}
	c.finishCloseIfDone()
}

// HandleClose processes SSH_MSG_CHANNEL_CLOSE. Per the RFC 4254 §5.3
// symmetry tie-break, a CLOSE received before the local side sent its
// own CLOSE still causes exactly one CLOSE to be sent before the
// channel transitions to Closed.
func (c *Channel) HandleClose() {
	c.mu.Lock()
	c.closeRecv = true
	needOwnClose := !c.closeSent
	c.mu.Unlock()

	if needOwnClose {
		c.SendClose()
		return
	}
	c.finishCloseIfDone()
}

func (c *Channel) finishCloseIfDone() {
	c.mu.Lock()
	done := c.closeSent && c.closeRecv && c.state != StateClosed
	if done {
		c.state = StateClosed
	}
	alreadyClosed := c.state == StateClosed
	c.mu.Unlock()

	if done {
		c.kind.HandleClose(c)
		c.sender.Unregister(c.LocalID)
		if c.remoteWindow != nil {
			c.remoteWindow.Close()
		}
		c.closeFuture.Resolve(struct{}{})
	}
	_ = alreadyClosed
}

// ForceClose marks the channel Closed immediately, without the normal
// EOF/CLOSE handshake; used by the close coordinator's immediate-close
// path and by session-fatal protocol violations.
func (c *Channel) ForceClose(err error) {
	c.mu.Lock()
	already := c.state == StateClosed
	c.state = StateClosed
	c.mu.Unlock()
	if already {
		return
	}
	c.kind.HandleClose(c)
	c.sender.Unregister(c.LocalID)
	if c.remoteWindow != nil {
		c.remoteWindow.Close()
	}
	if err != nil {
		c.openFuture.Fail(err)
	}
	c.closeFuture.Resolve(struct{}{})
	for _, rf := range c.drainPendingRequests() {
		rf.Fail(errors.New("channel closed"))
	}
}

// ---- Requests ----

// HandleRequest processes an inbound SSH_MSG_CHANNEL_REQUEST through
// the Kind's handler; the caller (the connsvc dispatcher) is responsible for sending
// CHANNEL_SUCCESS/CHANNEL_FAILURE when wantReply is set.
func (c *Channel) HandleRequest(req *router.Request) (router.Result, error) {
	return c.kind.HandleRequest(c, req)
}

// SendRequest sends SSH_MSG_CHANNEL_REQUEST; if wantReply, the returned
// future resolves in FIFO order with the matching CHANNEL_SUCCESS or
// CHANNEL_FAILURE.
func (c *Channel) SendRequest(name string, wantReply bool, payload []byte) *future.Future[ReplyResult] {
	remoteID, _ := c.RemoteID()
	var rf *future.Future[ReplyResult]
	if wantReply {
		rf = future.New[ReplyResult]()
		c.mu.Lock()
		c.pendingRequests = append(c.pendingRequests, rf)
		c.mu.Unlock()
	}
	c.sender.Send(wire.Marshal(wire.ChannelRequestMsg{
		RecipientID:         remoteID,
		Request:             name,
		WantReply:           wantReply,
		RequestSpecificData: payload,
	}))
	return rf
}

// HandleRequestReply dequeues the head of pendingRequests (FIFO) and
// resolves it with success.
func (c *Channel) HandleRequestReply(success bool) error {
	c.mu.Lock()
	if len(c.pendingRequests) == 0 {
		c.mu.Unlock()
		return errors.Errorf("channel %d: unexpected request reply", c.LocalID)
	}
	rf := c.pendingRequests[0]
	c.pendingRequests = c.pendingRequests[1:]
	c.mu.Unlock()
	rf.Resolve(ReplyResult{Success: success})
	return nil
}

func (c *Channel) drainPendingRequests() []*future.Future[ReplyResult] {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pendingRequests
	c.pendingRequests = nil
	return pending
}
