// Package router implements the ordered handler chain RFC 4254 global
// and channel requests are dispatched through.
package router

import (
	"context"
	"sync"

	"golang.org/x/exp/slog"
)

// Result is what a Handler returns for a given request.
type Result int

const (
	// Unsupported means "not my request name, try the next handler".
	Unsupported Result = iota
	// Replied means the handler already wrote SUCCESS/FAILURE itself
	// (e.g. because it needed to complete asynchronously); the router
	// does nothing further.
	Replied
	// ReplySuccess means the router should send SUCCESS iff WantReply.
	ReplySuccess
	// ReplyFailure means the router should send FAILURE iff WantReply.
	ReplyFailure
)

// Request is the shape common to both channel requests and global
// requests; ChannelID is nil for a global request.
type Request struct {
	Name      string
	WantReply bool
	Payload   []byte
	ChannelID *uint32
}

// Handler answers one named request. Handlers are tried in the order
// they were added to a Chain until one returns something other than
// Unsupported.
type Handler interface {
	Handle(ctx context.Context, req *Request) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (Result, error) {
	return f(ctx, req)
}

// Chain is an ordered, mutable list of Handlers.
type Chain struct {
	mu       sync.RWMutex
	handlers []Handler
	log      *slog.Logger
}

// NewChain constructs an empty handler chain.
func NewChain(log *slog.Logger) *Chain {
	return &Chain{log: log}
}

// Add appends a handler to the end of the chain.
func (c *Chain) Add(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Dispatch runs req through the chain in order. A handler that panics
// or returns an error is treated as ReplyFailure and never aborts the
// dispatcher loop. If no handler accepts the request, the router logs
// a warning and behaves as ReplyFailure.
func (c *Chain) Dispatch(ctx context.Context, req *Request) Result {
	c.mu.RLock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		result, err := c.invoke(ctx, h, req)
		if err != nil {
			c.log.Warn("request handler failed", "request", req.Name, "err", err)
			return ReplyFailure
		}
		if result != Unsupported {
			return result
		}
	}
	c.log.Warn("no handler accepted request", "request", req.Name)
	return ReplyFailure
}

// invoke runs a single handler, converting a panic into an error so the
// chain never crashes the dispatcher goroutine.
func (c *Chain) invoke(ctx context.Context, h Handler, req *Request) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ReplyFailure
			err = panicError{r}
		}
	}()
	return h.Handle(ctx, req)
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return "handler panic" }
