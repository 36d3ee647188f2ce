// Package window implements the per-direction flow-control credit
// accounting RFC 4254 requires for every open channel.
package window

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrExhausted is returned by Consume when the requested amount exceeds
// the remaining credit.
var ErrExhausted = errors.New("window: exhausted")

// ErrOverflow is returned by Expand when the increment would push size
// above maxSize, or above the 32-bit range the wire format allows.
var ErrOverflow = errors.New("window: overflow")

// ErrClosed is returned by WaitForCredit once the window has been
// closed (the owning channel is gone).
var ErrClosed = errors.New("window: closed")

const maxUint32 = 1<<32 - 1

// Window tracks how many bytes may still be sent (or, for the local
// window, received) before a SSH_MSG_CHANNEL_WINDOW_ADJUST is required.
// One Window exists per channel per direction.
type Window struct {
	mu         sync.Mutex
	cond       *sync.Cond
	size       uint32
	maxSize    uint32
	packetSize uint32
	closed     bool
}

// New constructs a Window with the given initial size, maximum size and
// per-packet size, as advertised on CHANNEL_OPEN/CHANNEL_OPEN_CONFIRMATION.
func New(initialSize, maxSize, packetSize uint32) *Window {
	w := &Window{size: initialSize, maxSize: maxSize, packetSize: packetSize}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Size returns the current remaining credit.
func (w *Window) Size() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// MaxSize returns the negotiated maximum window size.
func (w *Window) MaxSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxSize
}

// PacketSize returns the negotiated maximum single-packet size.
func (w *Window) PacketSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packetSize
}

// Consume deducts n bytes of credit, failing if n exceeds what remains.
func (w *Window) Consume(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.size {
		return errors.Wrapf(ErrExhausted, "requested %d, have %d", n, w.size)
	}
	w.size -= n
	return nil
}

// Expand credits n bytes back, in response to a WINDOW_ADJUST or a local
// low-water-mark replenishment. It never blocks.
func (w *Window) Expand(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > maxUint32-w.size || w.size+n > w.maxSize {
		return errors.Wrapf(ErrOverflow, "size=%d maxSize=%d n=%d", w.size, w.maxSize, n)
	}
	w.size += n
	w.cond.Broadcast()
	return nil
}

// Close marks the window closed, waking any blocked WaitForCredit
// callers with ErrClosed. Called when the owning channel is destroyed.
func (w *Window) Close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// WaitForCredit blocks until at least n bytes of credit are available,
// the window is closed, or ctx is done. Outbound data send waits for
// WINDOW_ADJUST rather than busy-polling.
func (w *Window) WaitForCredit(ctx context.Context, n uint32) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		case <-stop:
		}
	}()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.size < n && !w.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cond.Wait()
	}
	if w.closed {
		return ErrClosed
	}
	return nil
}

// Check enforces both the single-packet and the aggregate window limit
// for a proposed transfer of length n with a max single-packet size of
// maxPacket. It does not mutate state.
func (w *Window) Check(n, maxPacket uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > maxPacket {
		return errors.Errorf("window: fragment %d exceeds max packet size %d", n, maxPacket)
	}
	if n > w.size {
		return errors.Wrapf(ErrExhausted, "requested %d, have %d", n, w.size)
	}
	return nil
}

// LowWaterMark reports whether size has fallen below maxSize/2, the
// threshold at which the local side should send a WINDOW_ADJUST.
func (w *Window) LowWaterMark() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size < w.maxSize/2
}

// ReplenishAmount returns the adjustment to send (maxSize - size) and
// resets size to maxSize, as a single atomic step so callers never
// compute a stale adjustment. Call only after LowWaterMark reports true.
func (w *Window) ReplenishAmount() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	adj := w.maxSize - w.size
	w.size = w.maxSize
	return adj
}
