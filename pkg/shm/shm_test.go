package shm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentSharedBetweenMappings(t *testing.T) {
	dir := t.TempDir()

	a, err := Open(dir, "rules", 4096)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(dir, "rules", 0)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 4096, b.Len())
	assert.NotSame(t, &a.Bytes()[0], &b.Bytes()[0])

	copy(a.Bytes()[100:], "hello")
	assert.Equal(t, "hello", string(b.Bytes()[100:105]))
}

func TestSegmentGrowsAndRemoves(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "seg", 1024)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)

	s, err = Open(dir, "seg", 8192)
	require.NoError(t, err)
	assert.Equal(t, 8192, s.Len())
	require.NoError(t, s.Close())

	require.NoError(t, Remove(dir, "seg"))
	require.NoError(t, Remove(dir, "seg"))

	_, err = Open(dir, "seg", 0)
	assert.Error(t, err)
}

func TestFileLockExcludesAcrossDescriptors(t *testing.T) {
	path := Path(t.TempDir(), "rules.lock")
	l1, err := NewFileLock(path)
	require.NoError(t, err)
	defer l1.Close()
	l2, err := NewFileLock(path)
	require.NoError(t, err)
	defer l2.Close()

	require.NoError(t, l1.Lock())
	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		if l2.RLock() == nil {
			acquired.Store(true)
			l2.RUnlock()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, acquired.Load(), "reader got in while a writer held the lock")
	require.NoError(t, l1.Unlock())
	<-done
	assert.True(t, acquired.Load())
}

func TestFileLockSharedReaders(t *testing.T) {
	l, err := NewFileLock(Path(t.TempDir(), "r.lock"))
	require.NoError(t, err)
	defer l.Close()

	var wg sync.WaitGroup
	var inside, peak atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.RLock())
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			require.NoError(t, l.RUnlock())
		}()
	}
	wg.Wait()
	assert.Greater(t, peak.Load(), int32(1))

	require.NoError(t, l.Lock())
	require.NoError(t, l.Unlock())
}

func TestFileLockReset(t *testing.T) {
	path := Path(t.TempDir(), "stuck.lock")
	stuck, err := NewFileLock(path)
	require.NoError(t, err)
	defer stuck.Close()
	require.NoError(t, stuck.Lock())

	l, err := NewFileLock(path)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Reset())

	require.NoError(t, l.Lock())
	require.NoError(t, l.Unlock())
}
