// Package sshadapter bridges the from-scratch RFC 4254 Connection
// Service to golang.org/x/crypto/ssh's already-negotiated ServerConn.
// x/crypto/ssh terminates key exchange and authentication and then
// exposes the connection protocol only at its own channel-object
// granularity (ssh.NewChannel/ssh.Channel/ssh.Request); it never hands a
// caller the raw SSH_MSG_CHANNEL_* packets a transport endpoint is
// expected to deliver. Adapter closes that gap: every
// event x/crypto/ssh surfaces is re-encoded as the wire message our
// connsvc.Service.Process expects, and every packet the service sends
// is decoded back into the matching ssh.Channel/ssh.Request call.
package sshadapter

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/connsvc"
	"github.com/relayssh/connsvc/transport"
	"github.com/relayssh/connsvc/wire"
)

// pendingPeer is either a not-yet-accepted inbound ssh.NewChannel or an
// already-open ssh.Channel, keyed by a synthetic peer channel id this
// adapter invents (x/crypto/ssh never exposes the peer's real one).
type pendingPeer struct {
	newChannel ssh.NewChannel // set until accept/reject
	channel    ssh.Channel    // set after accept
}

// Adapter implements transport.Endpoint, driving one connsvc.Service
// from one *ssh.ServerConn.
type Adapter struct {
	conn *ssh.ServerConn
	svc  *connsvc.Service
	log  *slog.Logger

	nextPeerID uint32
	peersMu    sync.Mutex
	peers      map[uint32]*pendingPeer
	// localToPeer maps our own locally-opened channel's LocalID
	// (carried as SenderID on an outbound CHANNEL_OPEN) to the
	// synthetic peer id assigned once it completes.
	localToPeer map[uint32]uint32

	globalMu      sync.Mutex
	pendingGlobal []*ssh.Request
}

// New constructs an Adapter with no bound Service yet; call BindService
// once the Service has been constructed with this Adapter as its
// transport.Endpoint (the two constructors are mutually referential),
// then Serve to start pumping events.
func New(conn *ssh.ServerConn, log *slog.Logger) *Adapter {
	return &Adapter{
		conn:        conn,
		log:         log,
		peers:       make(map[uint32]*pendingPeer),
		localToPeer: make(map[uint32]uint32),
	}
}

// BindService completes construction; must be called before Serve.
func (a *Adapter) BindService(svc *connsvc.Service) { a.svc = svc }

// Serve pumps inbound NewChannel and global Request events into svc
// until both channels close (i.e. the underlying transport is gone).
// It blocks; run it in its own goroutine.
func (a *Adapter) Serve(chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for nc := range chans {
			a.handleNewChannel(nc)
		}
	}()
	go func() {
		defer wg.Done()
		for req := range reqs {
			a.handleGlobalRequest(req)
		}
	}()
	wg.Wait()
}

func (a *Adapter) handleNewChannel(nc ssh.NewChannel) {
	id := atomic.AddUint32(&a.nextPeerID, 1) - 1
	a.peersMu.Lock()
	a.peers[id] = &pendingPeer{newChannel: nc}
	a.peersMu.Unlock()

	if err := a.svc.Process(wire.MsgChannelOpen, wire.Marshal(wire.ChannelOpenMsg{
		ChanType:         nc.ChannelType(),
		SenderID:         id,
		WindowSize:       1 << 20,
		MaxPacketSize:    32 * 1024,
		TypeSpecificData: nc.ExtraData(),
	})); err != nil {
		a.log.Error("dispatch CHANNEL_OPEN failed", "err", err)
	}
}

func (a *Adapter) handleGlobalRequest(req *ssh.Request) {
	if req.WantReply {
		a.globalMu.Lock()
		a.pendingGlobal = append(a.pendingGlobal, req)
		a.globalMu.Unlock()
	}
	if err := a.svc.Process(wire.MsgGlobalRequest, wire.Marshal(wire.GlobalRequestMsg{
		Type:                req.Type,
		WantReply:           req.WantReply,
		RequestSpecificData: req.Payload,
	})); err != nil {
		a.log.Error("dispatch GLOBAL_REQUEST failed", "err", err)
	}
}

// SessionID implements transport.Endpoint.
func (a *Adapter) SessionID() []byte { return a.conn.SessionID() }

// Close implements transport.Endpoint.
func (a *Adapter) Close() error { return a.conn.Close() }

// writeFuture is always already complete: every adapter operation below
// is synchronous from the caller's point of view (either a direct
// library call or a detached goroutine that reports its outcome back
// through svc.Process, not through this future).
type writeFuture struct{ err error }

func (f writeFuture) Wait(ctx context.Context) error { return f.err }

// SendPacket implements transport.Endpoint: decode the one wire message
// this packet carries (by its leading sshtype byte) and perform the
// matching x/crypto/ssh call.
func (a *Adapter) SendPacket(payload []byte) transport.WriteFuture {
	if len(payload) == 0 {
		return writeFuture{}
	}
	switch payload[0] {
	case wire.MsgChannelOpen:
		return writeFuture{err: a.sendChannelOpen(payload)}
	case wire.MsgChannelOpenConfirmation:
		return writeFuture{err: a.sendOpenConfirmation(payload)}
	case wire.MsgChannelOpenFailure:
		return writeFuture{err: a.sendOpenFailure(payload)}
	case wire.MsgChannelData:
		return writeFuture{err: a.sendData(payload)}
	case wire.MsgChannelExtendedData:
		return writeFuture{err: a.sendExtendedData(payload)}
	case wire.MsgChannelEOF:
		return writeFuture{err: a.sendEOF(payload)}
	case wire.MsgChannelClose:
		return writeFuture{err: a.sendClose(payload)}
	case wire.MsgChannelRequest:
		return writeFuture{err: a.sendChannelRequest(payload)}
	case wire.MsgGlobalRequest:
		return writeFuture{err: a.sendGlobalRequest(payload)}
	case wire.MsgRequestSuccess:
		return writeFuture{err: a.replyGlobal(true, payload)}
	case wire.MsgRequestFailure:
		return writeFuture{err: a.replyGlobal(false, payload)}
	default:
		return writeFuture{}
	}
}

func (a *Adapter) lookupPeer(id uint32) (*pendingPeer, bool) {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	p, ok := a.peers[id]
	return p, ok
}

// sendChannelOpen drives a locally initiated channel open:
// ChannelOpenMsg.SenderID is our own Channel.LocalID, carried here
// only so the asynchronous completion below can report back against
// the right local channel.
func (a *Adapter) sendChannelOpen(payload []byte) error {
	var msg wire.ChannelOpenMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	localID := msg.SenderID
	go func() {
		sshCh, reqs, err := a.conn.OpenChannel(msg.ChanType, msg.TypeSpecificData)
		if err != nil {
			openErr, ok := err.(*ssh.OpenChannelError)
			reason, message := wire.ReasonConnectFailed, err.Error()
			if ok {
				reason, message = uint32(openErr.Reason), openErr.Message
			}
			a.svc.Process(wire.MsgChannelOpenFailure, wire.Marshal(wire.ChannelOpenFailureMsg{
				RecipientID: localID,
				Reason:      reason,
				Message:     message,
			}))
			return
		}

		peerID := atomic.AddUint32(&a.nextPeerID, 1) - 1
		a.peersMu.Lock()
		a.peers[peerID] = &pendingPeer{channel: sshCh}
		a.localToPeer[localID] = peerID
		a.peersMu.Unlock()

		go a.pumpChannel(localID, sshCh, reqs)

		a.svc.Process(wire.MsgChannelOpenConfirmation, wire.Marshal(wire.ChannelOpenConfirmationMsg{
			RecipientID:   localID,
			SenderID:      peerID,
			WindowSize:    1 << 20,
			MaxPacketSize: 32 * 1024,
		}))
	}()
	return nil
}

func (a *Adapter) sendOpenConfirmation(payload []byte) error {
	var msg wire.ChannelOpenConfirmationMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	peer, ok := a.lookupPeer(msg.RecipientID)
	if !ok || peer.newChannel == nil {
		return nil
	}
	sshCh, reqs, err := peer.newChannel.Accept()
	if err != nil {
		return err
	}
	a.peersMu.Lock()
	peer.channel = sshCh
	peer.newChannel = nil
	a.peersMu.Unlock()
	go a.pumpChannel(msg.SenderID, sshCh, reqs)
	return nil
}

func (a *Adapter) sendOpenFailure(payload []byte) error {
	var msg wire.ChannelOpenFailureMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	peer, ok := a.lookupPeer(msg.RecipientID)
	if !ok || peer.newChannel == nil {
		return nil
	}
	err := peer.newChannel.Reject(ssh.RejectionReason(msg.Reason), msg.Message)
	a.peersMu.Lock()
	delete(a.peers, msg.RecipientID)
	a.peersMu.Unlock()
	return err
}

// pumpChannel relays one ssh.Channel's inbound data/extended-data/close
// and requests into svc.Process, for as long as the channel lives.
// localID is the service's own channel id, used as every relayed
// message's RecipientID.
func (a *Adapter) pumpChannel(localID uint32, sshCh ssh.Channel, reqs <-chan *ssh.Request) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := sshCh.Read(buf)
			if n > 0 {
				a.svc.Process(wire.MsgChannelData, wire.Marshal(wire.DataMsg{
					RecipientID: localID, Data: append([]byte(nil), buf[:n]...),
				}))
			}
			if err != nil {
				a.svc.Process(wire.MsgChannelEOF, wire.Marshal(wire.EOFMsg{RecipientID: localID}))
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := sshCh.Stderr().Read(buf)
			if n > 0 {
				a.svc.Process(wire.MsgChannelExtendedData, wire.Marshal(wire.ExtendedDataMsg{
					RecipientID: localID, DataType: wire.ExtendedDataTypeStderr,
					Data: append([]byte(nil), buf[:n]...),
				}))
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for req := range reqs {
			a.svc.Process(wire.MsgChannelRequest, wire.Marshal(wire.ChannelRequestMsg{
				RecipientID: localID, Request: req.Type, WantReply: req.WantReply,
				RequestSpecificData: req.Payload,
			}))
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	wg.Wait()
	a.svc.Process(wire.MsgChannelClose, wire.Marshal(wire.CloseMsg{RecipientID: localID}))
}

func (a *Adapter) sendData(payload []byte) error {
	var msg wire.DataMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	peer, ok := a.lookupPeer(msg.RecipientID)
	if !ok || peer.channel == nil {
		return nil
	}
	_, err := peer.channel.Write(msg.Data)
	return err
}

func (a *Adapter) sendExtendedData(payload []byte) error {
	var msg wire.ExtendedDataMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	peer, ok := a.lookupPeer(msg.RecipientID)
	if !ok || peer.channel == nil {
		return nil
	}
	_, err := peer.channel.Stderr().Write(msg.Data)
	return err
}

func (a *Adapter) sendEOF(payload []byte) error {
	var msg wire.EOFMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	peer, ok := a.lookupPeer(msg.RecipientID)
	if !ok || peer.channel == nil {
		return nil
	}
	return peer.channel.CloseWrite()
}

func (a *Adapter) sendClose(payload []byte) error {
	var msg wire.CloseMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	peer, ok := a.lookupPeer(msg.RecipientID)
	if !ok {
		return nil
	}
	a.peersMu.Lock()
	delete(a.peers, msg.RecipientID)
	a.peersMu.Unlock()
	if peer.channel != nil {
		return peer.channel.Close()
	}
	if peer.newChannel != nil {
		return peer.newChannel.Reject(ssh.ConnectFailed, "closed")
	}
	return nil
}

func (a *Adapter) sendChannelRequest(payload []byte) error {
	var msg wire.ChannelRequestMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	peer, ok := a.lookupPeer(msg.RecipientID)
	if !ok || peer.channel == nil {
		return nil
	}
	_, err := peer.channel.SendRequest(msg.Request, msg.WantReply, msg.RequestSpecificData)
	return err
}

func (a *Adapter) sendGlobalRequest(payload []byte) error {
	var msg wire.GlobalRequestMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		return err
	}
	_, _, err := a.conn.SendRequest(msg.Type, msg.WantReply, msg.RequestSpecificData)
	return err
}

func (a *Adapter) replyGlobal(success bool, _ []byte) error {
	a.globalMu.Lock()
	if len(a.pendingGlobal) == 0 {
		a.globalMu.Unlock()
		return nil
	}
	req := a.pendingGlobal[0]
	a.pendingGlobal = a.pendingGlobal[1:]
	a.globalMu.Unlock()
	return req.Reply(success, nil)
}
