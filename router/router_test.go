package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestChainTriesHandlersInOrder(t *testing.T) {
	c := NewChain(discardLogger())
	var called []string

	c.Add(HandlerFunc(func(ctx context.Context, req *Request) (Result, error) {
		called = append(called, "first")
		return Unsupported, nil
	}))
	c.Add(HandlerFunc(func(ctx context.Context, req *Request) (Result, error) {
		called = append(called, "second")
		return ReplySuccess, nil
	}))
	c.Add(HandlerFunc(func(ctx context.Context, req *Request) (Result, error) {
		called = append(called, "third")
		return ReplySuccess, nil
	}))

	result := c.Dispatch(context.Background(), &Request{Name: "foo"})
	assert.Equal(t, ReplySuccess, result)
	assert.Equal(t, []string{"first", "second"}, called)
}

func TestChainNoHandlerAccepts(t *testing.T) {
	c := NewChain(discardLogger())
	c.Add(HandlerFunc(func(ctx context.Context, req *Request) (Result, error) {
		return Unsupported, nil
	}))

	result := c.Dispatch(context.Background(), &Request{Name: "foo"})
	assert.Equal(t, ReplyFailure, result)
}

func TestChainHandlerPanicBecomesFailure(t *testing.T) {
	c := NewChain(discardLogger())
	c.Add(HandlerFunc(func(ctx context.Context, req *Request) (Result, error) {
		panic("boom")
	}))

	result := c.Dispatch(context.Background(), &Request{Name: "foo"})
	assert.Equal(t, ReplyFailure, result)
}

func TestChainHandlerErrorBecomesFailure(t *testing.T) {
	c := NewChain(discardLogger())
	c.Add(HandlerFunc(func(ctx context.Context, req *Request) (Result, error) {
		return Unsupported, assertError{}
	}))

	result := c.Dispatch(context.Background(), &Request{Name: "foo"})
	assert.Equal(t, ReplyFailure, result)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
