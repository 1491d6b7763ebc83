package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLockManager(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	lm := newLockManager(c.Now)

	t.Run("AcquireRelease", func(t *testing.T) {
		ok, owner, err := lm.AcquireLock("a", 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, owner, 16)

		ok, _, err = lm.AcquireLock("a", 0)
		require.NoError(t, err)
		assert.False(t, ok, "a held lock cannot be taken twice")

		released, err := lm.ReleaseLock("a", []byte("someone else"))
		require.NoError(t, err)
		assert.False(t, released, "only the owner releases")

		released, err = lm.ReleaseLock("a", owner)
		require.NoError(t, err)
		assert.True(t, released)

		released, err = lm.ReleaseLock("a", owner)
		require.NoError(t, err)
		assert.True(t, released, "releasing a free lock succeeds")
	})

	t.Run("LeaseExpiry", func(t *testing.T) {
		ok, owner, _ := lm.AcquireLock("b", 100)
		require.True(t, ok)
		assert.Equal(t, 1, lm.held())

		c.Advance(99 * time.Millisecond)
		ok, _, _ = lm.AcquireLock("b", 100)
		assert.False(t, ok)

		c.Advance(time.Millisecond)
		assert.Equal(t, 0, lm.held())
		ok, other, _ := lm.AcquireLock("b", 100)
		assert.True(t, ok, "an expired lease is a free lock")

		released, _ := lm.ReleaseLock("b", owner)
		assert.False(t, released, "the previous owner lost the lock")
		released, _ = lm.ReleaseLock("b", other)
		assert.True(t, released)
	})
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedKeys([]string{"c", "a", "b", "a", "c"}))
	assert.Empty(t, sortedKeys(nil))
}

func fences(t *testing.T, opts FenceOptions, ids ...topology.MemberID) (*transport.Network, []*Fence) {
	n := transport.NewNetwork(nil)
	out := make([]*Fence, len(ids))
	for i, id := range ids {
		l, err := n.Join(id)
		require.NoError(t, err)
		out[i] = NewFence(l, opts)
		l.SetHandler(out[i].Handle)
	}
	return n, out
}

func TestFenceMutualExclusion(t *testing.T) {
	_, fs := fences(t, FenceOptions{Timeout: 5 * time.Second}, "a", "b", "c")

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i, f := range fs {
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(f *Fence, id int) {
				defer wg.Done()
				g, err := f.Acquire(context.Background(), fmt.Sprintf("tx-%d", id), []string{"x", "y"})
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				g.Release(context.Background())
			}(f, i*10+j)
		}
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, fs[0].Held(), "every grant was released on the coordinator")
}

func TestFenceDisjointKeysDoNotBlock(t *testing.T) {
	_, fs := fences(t, FenceOptions{Timeout: 50 * time.Millisecond}, "a", "b")

	g1, err := fs[1].Acquire(context.Background(), "tx1", []string{"x"})
	require.NoError(t, err)
	g2, err := fs[0].Acquire(context.Background(), "tx2", []string{"y"})
	require.NoError(t, err)
	assert.Equal(t, 2, fs[0].Held())
	assert.Equal(t, 0, fs[1].Held(), "locks live on the coordinator only")

	g1.Release(context.Background())
	g2.Release(context.Background())
	assert.Equal(t, 0, fs[0].Held())
}

func TestFenceTimeout(t *testing.T) {
	_, fs := fences(t, FenceOptions{Timeout: 30 * time.Millisecond}, "a", "b")

	g, err := fs[0].Acquire(context.Background(), "holder", []string{"k"})
	require.NoError(t, err)
	defer g.Release(context.Background())

	_, err = fs[1].Acquire(context.Background(), "waiter", []string{"j", "k"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.RetCLockTimeout))

	// the partial grant of "j" was rolled back
	g2, err := fs[1].Acquire(context.Background(), "other", []string{"j"})
	require.NoError(t, err)
	g2.Release(context.Background())
}

func TestFenceCallerCancel(t *testing.T) {
	_, fs := fences(t, FenceOptions{Timeout: time.Second}, "a")
	g, err := fs[0].Acquire(context.Background(), "holder", []string{"k"})
	require.NoError(t, err)
	defer g.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fs[0].Acquire(ctx, "waiter", []string{"k"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errs.Is(err, errs.RetCLockTimeout))
}

func TestFenceFollowsCoordinator(t *testing.T) {
	n, fs := fences(t, FenceOptions{Timeout: time.Second, Lease: time.Minute}, "a", "b", "c")

	// "a" holds k, then crashes; "b" coordinates with an empty table
	_, err := fs[0].Acquire(context.Background(), "tx-a", []string{"k"})
	require.NoError(t, err)
	n.Crash("a")

	g, err := fs[2].Acquire(context.Background(), "tx-c", []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, 1, fs[1].Held())
	g.Release(context.Background())
	assert.Equal(t, 0, fs[1].Held())
}

func TestFenceNonCoordinatorRejects(t *testing.T) {
	_, fs := fences(t, FenceOptions{}, "a", "b")
	resp := fs[1].Handle(context.Background(), &transport.Message{MsgType: transport.MsgTLCKAcquire, TxID: "t", Keys: []string{"k"}})
	assert.NoError(t, resp.AsError())
	assert.False(t, resp.Ok)

	resp = fs[0].Handle(context.Background(), &transport.Message{MsgType: transport.MsgTKVGet})
	assert.True(t, errs.Is(resp.AsError(), errs.RetCInvalidOperation))
}
