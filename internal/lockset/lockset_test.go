package lockset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	var (
		s       Set
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("grant-1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, s.Len())
}

func TestTryLock(t *testing.T) {
	var s Set
	unlock, ok := s.TryLock("a")
	require.True(t, ok)
	_, ok = s.TryLock("a")
	assert.False(t, ok)
	other, ok := s.TryLock("b")
	require.True(t, ok)
	other()
	unlock()
	again, ok := s.TryLock("a")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, s.Len())
}
