package window

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowConsumeAndExpand(t *testing.T) {
	w := New(100, 200, 50)
	require.NoError(t, w.Consume(40))
	assert.Equal(t, uint32(60), w.Size())

	require.Error(t, w.Consume(1000))

	require.NoError(t, w.Expand(30))
	assert.Equal(t, uint32(90), w.Size())

	require.Error(t, w.Expand(200))
}

func TestWindowCheck(t *testing.T) {
	w := New(100, 100, 50)
	assert.NoError(t, w.Check(50, 50))
	assert.Error(t, w.Check(51, 50), "fragment larger than max packet size")
	assert.Error(t, w.Check(101, 200), "fragment larger than remaining window")
}

func TestWindowLowWaterMarkAndReplenish(t *testing.T) {
	w := New(100, 100, 50)
	assert.False(t, w.LowWaterMark())

	require.NoError(t, w.Consume(60))
	assert.True(t, w.LowWaterMark())

	adj := w.ReplenishAmount()
	assert.Equal(t, uint32(60), adj)
	assert.Equal(t, uint32(100), w.Size())
	assert.False(t, w.LowWaterMark())
}

func TestWindowWaitForCreditUnblocksOnExpand(t *testing.T) {
	w := New(0, 100, 50)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- w.WaitForCredit(ctx, 10)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("WaitForCredit returned before credit was available")
	default:
	}

	require.NoError(t, w.Expand(10))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForCredit did not unblock after Expand")
	}
}

func TestWindowWaitForCreditUnblocksOnContextCancel(t *testing.T) {
	w := New(0, 100, 50)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- w.WaitForCredit(ctx, 10)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("WaitForCredit did not unblock after context cancel")
	}
}

func TestWindowWaitForCreditUnblocksOnClose(t *testing.T) {
	w := New(0, 100, 50)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- w.WaitForCredit(ctx, 10)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("WaitForCredit did not unblock after Close")
	}
}
