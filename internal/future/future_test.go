package future

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolve(t *testing.T) {
	f := New[int]()
	go f.Resolve(42)

	v, err := f.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureFail(t *testing.T) {
	f := New[int]()
	boom := assertError{}
	go f.Fail(boom)

	_, err := f.Wait(context.Background(), 0)
	assert.Equal(t, boom, err)
}

func TestFutureOnlyFirstResolutionSticks(t *testing.T) {
	f := New[int]()
	f.Resolve(1)
	f.Resolve(2)
	f.Fail(assertError{})

	v, err := f.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFutureWaitTimeout(t *testing.T) {
	f := New[int]()
	_, err := f.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFutureWaitContextCancelled(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
