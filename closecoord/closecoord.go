// Package closecoord implements graceful-vs-immediate session shutdown
// coordination: graceful close lets every open channel finish its own
// EOF/CLOSE handshake naturally, while immediate close force-closes
// everything in parallel and tears down whatever external
// collaborators (forwarders) are registered.
package closecoord

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/relayssh/connsvc/connsvc"
)

// ErrImmediateShutdown is the error ForceClose reports to any
// in-flight operation on a channel torn down by Immediate.
var ErrImmediateShutdown = errors.New("closecoord: immediate shutdown")

// Closer is a named external collaborator the Coordinator shuts down
// alongside the channel registry (a forward.TCPIPForwarder, a
// forward.StreamlocalForwarder, ...).
type Closer interface {
	Close()
}

// Coordinator owns the shutdown sequence for one Connection Service.
type Coordinator struct {
	svc     *connsvc.Service
	log     *slog.Logger
	closers []namedCloser
}

type namedCloser struct {
	name   string
	closer Closer
}

// New constructs a Coordinator bound to svc.
func New(svc *connsvc.Service, log *slog.Logger) *Coordinator {
	return &Coordinator{svc: svc, log: log}
}

// AddCloser registers an external collaborator to be closed during
// shutdown, in both the graceful and immediate paths.
func (c *Coordinator) AddCloser(name string, closer Closer) {
	c.closers = append(c.closers, namedCloser{name: name, closer: closer})
}

// Graceful stops accepting new channel opens (global requests are still
// dispatched as before), then waits (bounded by ctx) for every
// currently open channel to finish its own close handshake before
// closing the registered collaborators.
func (c *Coordinator) Graceful(ctx context.Context) error {
	c.svc.BeginClosing()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range c.svc.Channels() {
		ch := ch
		g.Go(func() error {
			select {
			case <-ch.CloseFuture().Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	waitErr := g.Wait()
	c.closeCollaborators()
	return waitErr
}

// Immediate force-closes every open channel in parallel without waiting
// for the peer, fails any in-flight global request, and closes every
// registered collaborator. Bounded by a short grace period so a hung
// Kind.HandleClose can't wedge shutdown forever.
func (c *Coordinator) Immediate(ctx context.Context) error {
	c.svc.BeginClosing()
	c.svc.FailPendingGlobalRequests(ErrImmediateShutdown)

	g, _ := errgroup.WithContext(ctx)
	for _, ch := range c.svc.Channels() {
		ch := ch
		g.Go(func() error {
			ch.ForceClose(ErrImmediateShutdown)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		c.closeCollaboratorsParallel()
		return err
	case <-time.After(10 * time.Second):
		c.log.Warn("immediate close: channel teardown did not finish within grace period")
		c.closeCollaboratorsParallel()
		return errors.New("closecoord: immediate close timed out")
	}
}

// closeCollaborators closes every registered collaborator sequentially,
// in registration order. Used by Graceful, where shutdown is already
// bounded by every channel's own close handshake and ordering keeps log
// output easy to follow.
func (c *Coordinator) closeCollaborators() {
	for _, nc := range c.closers {
		c.log.Info("closing collaborator", "name", nc.name)
		nc.closer.Close()
	}
}

// closeCollaboratorsParallel closes every registered collaborator
// concurrently. Used by Immediate, where shutdown must not wait on one
// collaborator's teardown before starting the next.
func (c *Coordinator) closeCollaboratorsParallel() {
	var wg sync.WaitGroup
	for _, nc := range c.closers {
		nc := nc
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.log.Info("closing collaborator", "name", nc.name)
			nc.closer.Close()
		}()
	}
	wg.Wait()
}
