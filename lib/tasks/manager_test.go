package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Put(_ context.Context, key string, value []byte, _ container.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// dummyEngine has a task that blocks until released and one that writes a key
func dummyEngine(slow chan string) *FuncEngine {
	return NewFuncEngine("dummy", map[string]Func{
		"SLOW_TASK": func(ctx context.Context, _ TaskContext) (any, error) {
			select {
			case v := <-slow:
				return v, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"PUT_TASK": func(ctx context.Context, tc TaskContext) (any, error) {
			return "ok", tc.Cache.Put(ctx, tc.Params["key"], []byte(tc.Params["value"]), container.Immortal())
		},
		"PANIC_TASK": func(context.Context, TaskContext) (any, error) {
			panic("boom")
		},
	})
}

func TestTaskExecutionRecordsWho(t *testing.T) {
	for _, who := range []string{"admin", "hacker"} {
		t.Run(who, func(t *testing.T) {
			slow := make(chan string)
			m := NewManager(&mapCache{data: map[string][]byte{}}, nil)
			m.RegisterEngine(dummyEngine(slow))

			ctx := security.WithSubject(context.Background(), security.NewSubject(who))
			exec, err := m.RunTask(ctx, "SLOW_TASK", nil)
			require.NoError(t, err)

			current := m.CurrentTasks()
			require.Len(t, current, 1)
			assert.Equal(t, "SLOW_TASK", current[0].Name)
			assert.Equal(t, who, current[0].Who)
			assert.Equal(t, exec.Info().ID, current[0].ID)

			slow <- "slow"
			res, err := exec.Wait(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "slow", res)
			assert.Empty(t, m.CurrentTasks())
		})
	}
}

func TestTaskUsesCache(t *testing.T) {
	cache := &mapCache{data: map[string][]byte{}}
	m := NewManager(cache, nil)
	m.RegisterEngine(dummyEngine(nil))

	exec, err := m.RunTask(context.Background(), "PUT_TASK", map[string]string{"key": "k", "value": "v"})
	require.NoError(t, err)
	<-exec.Done()
	_, err = exec.Wait(context.Background())
	require.NoError(t, err)
	v, ok, _ := cache.Get(context.Background(), "k")
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestTaskCancelAndFailures(t *testing.T) {
	m := NewManager(&mapCache{data: map[string][]byte{}}, nil)
	m.RegisterEngine(dummyEngine(make(chan string)))

	exec, err := m.RunTask(context.Background(), "SLOW_TASK", nil)
	require.NoError(t, err)
	exec.Cancel()
	_, err = exec.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	exec, err = m.RunTask(context.Background(), "PANIC_TASK", nil)
	require.NoError(t, err)
	_, err = exec.Wait(context.Background())
	assert.ErrorContains(t, err, "panicked")

	_, err = m.RunTask(context.Background(), "NOPE", nil)
	assert.True(t, errs.Is(err, errs.RetCInvalidOperation))

	assert.Equal(t, []string{"PANIC_TASK", "PUT_TASK", "SLOW_TASK"}, m.Tasks())
}

func TestWaitHonoursContext(t *testing.T) {
	m := NewManager(&mapCache{data: map[string][]byte{}}, nil)
	m.RegisterEngine(dummyEngine(make(chan string)))
	exec, err := m.RunTask(context.Background(), "SLOW_TASK", nil)
	require.NoError(t, err)
	defer exec.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = exec.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
