package iopipe

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueWriteThenRead(t *testing.T) {
	q := NewQueue()
	q.Write([]byte("hello"))

	buf := make([]byte, 5)
	n, err := q.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestQueueReadBlocksUntilWrite(t *testing.T) {
	q := NewQueue()
	result := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := q.Read(buf)
		result <- buf[:n]
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-result:
		t.Fatal("Read returned before any Write")
	default:
	}

	q.Write([]byte("data"))
	select {
	case got := <-result:
		assert.Equal(t, "data", string(got))
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Write")
	}
}

func TestQueueCloseDrainsThenEOF(t *testing.T) {
	q := NewQueue()
	q.Write([]byte("ab"))
	q.Close()

	buf := make([]byte, 2)
	n, err := q.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	_, err = q.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}
