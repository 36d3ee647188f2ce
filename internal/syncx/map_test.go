package syncx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapStoreLoadDelete(t *testing.T) {
	var m Map[uint32, string]

	_, ok := m.Load(1)
	assert.False(t, ok)

	m.Store(1, "one")
	v, ok := m.Load(1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	m.Delete(1)
	_, ok = m.Load(1)
	assert.False(t, ok)
}

func TestMapLenAndRange(t *testing.T) {
	var m Map[int, int]
	for i := 0; i < 5; i++ {
		m.Store(i, i*i)
	}
	assert.Equal(t, 5, m.Len())

	seen := map[int]int{}
	m.Range(func(k, v int) bool {
		seen[k] = v
		return true
	})
	assert.Equal(t, map[int]int{0: 0, 1: 1, 2: 4, 3: 9, 4: 16}, seen)
}

func TestMapLoadAndDelete(t *testing.T) {
	var m Map[string, int]
	m.Store("a", 1)

	v, ok := m.LoadAndDelete("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Load("a")
	assert.False(t, ok)
}
