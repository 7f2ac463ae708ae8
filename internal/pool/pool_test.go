package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, agents ...Agent) *Pool {
	t.Helper()
	p := New()
	for _, a := range agents {
		require.NoError(t, p.Register(a))
	}
	return p
}

func TestAcquireMatchesLabelSuperset(t *testing.T) {
	p := newTestPool(t,
		Agent{ID: "linux", Labels: []string{"linux"}},
		Agent{ID: "docker", Labels: []string{"linux", "docker"}},
	)

	lease, err := p.Acquire(context.Background(), "run-1", []string{"docker"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "docker", lease.Agent.ID)

	_, err = p.Acquire(context.Background(), "run-2", []string{"docker"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAcquireTimeout))
	var acquireErr *AcquireError
	assert.True(t, errors.As(err, &acquireErr))
	assert.Equal(t, []string{"docker"}, acquireErr.Labels)
}

func TestAcquireAnyPrefersLongestIdle(t *testing.T) {
	p := New()
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }
	require.NoError(t, p.Register(Agent{ID: "a"}))
	now = now.Add(time.Second)
	require.NoError(t, p.Register(Agent{ID: "b"}))

	first, err := p.Acquire(context.Background(), "r1", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Agent.ID)

	now = now.Add(time.Second)
	require.NoError(t, p.Release(first))

	// b has now been idle longer than a.
	second, err := p.Acquire(context.Background(), "r2", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", second.Agent.ID)
}

func TestReleaseTwiceFails(t *testing.T) {
	p := newTestPool(t, Agent{ID: "a"})
	lease, err := p.Acquire(context.Background(), "r1", nil, time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Release(lease))
	err = p.Release(lease)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAllocated))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p := newTestPool(t, Agent{ID: "a"})
	lease, err := p.Acquire(context.Background(), "r1", nil, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = p.Release(lease)
	}()

	next, err := p.Acquire(context.Background(), "r2", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "r2", next.RunID)
}

func TestAcquireHonorsContext(t *testing.T) {
	p := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Acquire(ctx, "r1", nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterWakesWaiters(t *testing.T) {
	p := New()
	done := make(chan *Lease)
	go func() {
		lease, err := p.Acquire(context.Background(), "r1", []string{"arm"}, 2*time.Second)
		if err == nil {
			done <- lease
		}
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Register(Agent{ID: "pi", Labels: []string{"arm"}}))

	lease := <-done
	require.NotNil(t, lease)
	assert.Equal(t, "pi", lease.Agent.ID)
}

func TestRegisterDuplicate(t *testing.T) {
	p := newTestPool(t, Agent{ID: "a"})
	err := p.Register(Agent{ID: "a"})
	assert.True(t, errors.Is(err, ErrAgentExists))
}

func TestCapacitySharedOnlyWithinRun(t *testing.T) {
	p := newTestPool(t, Agent{ID: "big", Capacity: 2})

	l1, err := p.Acquire(context.Background(), "r1", nil, time.Second)
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background(), "r1", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "big", l2.Agent.ID)

	require.NoError(t, p.Release(l2))
	_, err = p.Acquire(context.Background(), "r2", nil, 30*time.Millisecond)
	assert.True(t, errors.Is(err, ErrAcquireTimeout), "agent owned by r1 must not be handed to r2")

	require.NoError(t, p.Release(l1))
	owner, ok := p.Owner("big")
	require.True(t, ok)
	assert.Empty(t, owner)
}

func TestEvictMarksLeaseLost(t *testing.T) {
	p := newTestPool(t, Agent{ID: "cloud-1"})
	lease, err := p.Acquire(context.Background(), "r1", nil, time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Evict("cloud-1"))
	select {
	case <-lease.Lost():
	default:
		t.Fatal("lease should be lost after eviction")
	}
	assert.NoError(t, p.Release(lease))
	assert.True(t, errors.Is(p.Release(lease), ErrNotAllocated), "second release after eviction")
	assert.Empty(t, p.Agents())
	assert.True(t, errors.Is(p.Evict("cloud-1"), ErrUnknownAgent))
}

func TestAcquireNeverSharesAgentAcrossRuns(t *testing.T) {
	p := newTestPool(t, Agent{ID: "a"}, Agent{ID: "b"}, Agent{ID: "c", Capacity: 3})

	var (
		mu     sync.Mutex
		owners = map[string]string{}
		holds  = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := string(rune('A' + i%6))
			lease, err := p.Acquire(context.Background(), runID, nil, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			if owner, ok := owners[lease.Agent.ID]; ok && owner != runID {
				t.Errorf("agent %s held by %s and %s", lease.Agent.ID, owner, runID)
			}
			owners[lease.Agent.ID] = runID
			holds[lease.Agent.ID]++
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holds[lease.Agent.ID]--
			if holds[lease.Agent.ID] == 0 {
				delete(owners, lease.Agent.ID)
			}
			mu.Unlock()
			assert.NoError(t, p.Release(lease))
		}(i)
	}
	wg.Wait()
}
