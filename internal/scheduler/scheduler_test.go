package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/signalcraft/signalcraft-correlator/internal/cache"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

func TestMain(m *testing.M) {
	// go-cache stops its janitor from a finalizer, not from Close.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

func staticTenants(ws ...string) TenantLister {
	return TenantListerFunc(func(context.Context) ([]string, error) { return ws, nil })
}

type workspaceRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *workspaceRecorder) run(_ context.Context, ws string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ws)
	return nil
}

func (r *workspaceRecorder) workspaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.seen...)
	sort.Strings(out)
	return out
}

func TestRunOnceVisitsEveryWorkspace(t *testing.T) {
	rec := &workspaceRecorder{}
	s := New(nil, staticTenants("a", "b", "c"), nil, Options{Concurrency: 2})
	err := s.RunOnce(context.Background(), Job{Name: "test", Interval: time.Minute, Run: rec.run})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rec.workspaces())
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	var active, peak int32
	job := Job{Name: "bounded", Interval: time.Minute, Run: func(context.Context, string) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}}
	s := New(nil, staticTenants("1", "2", "3", "4", "5", "6"), nil, Options{Concurrency: 2})
	require.NoError(t, s.RunOnce(context.Background(), job))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	rec := &workspaceRecorder{}
	boom := errors.New("boom")
	job := Job{Name: "partial", Interval: time.Minute, Run: func(ctx context.Context, ws string) error {
		if ws == "bad" {
			return boom
		}
		return rec.run(ctx, ws)
	}}
	s := New(nil, staticTenants("good-1", "bad", "good-2"), nil, Options{})
	err := s.RunOnce(context.Background(), job)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"good-1", "good-2"}, rec.workspaces())
}

func TestRunOnceSkipsLockedWorkspaces(t *testing.T) {
	locks := cache.NewMemoryProvider(time.Minute, time.Minute)
	defer locks.Close()
	ok, err := locks.SetNX(context.Background(), "scheduler:locked:ws-2", []byte("other-replica"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := &workspaceRecorder{}
	s := New(nil, staticTenants("ws-1", "ws-2"), locks, Options{Owner: "me"})
	job := Job{Name: "locked", Interval: time.Minute, Run: rec.run}
	require.NoError(t, s.RunOnce(context.Background(), job))
	assert.Equal(t, []string{"ws-1"}, rec.workspaces())

	_, err = locks.Get(context.Background(), "scheduler:locked:ws-1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "lock is released after the run")
}

func TestRunOnceKeepsLockTakenOverDuringRun(t *testing.T) {
	locks := cache.NewMemoryProvider(time.Minute, time.Minute)
	defer locks.Close()

	s := New(nil, staticTenants("ws-1"), locks, Options{Owner: "me"})
	job := Job{Name: "slow", Interval: time.Minute, Run: func(ctx context.Context, _ string) error {
		// our TTL lapsed mid-run and another replica acquired the key
		return locks.Set(ctx, "scheduler:slow:ws-1", []byte("other-replica"), time.Minute)
	}}
	require.NoError(t, s.RunOnce(context.Background(), job))

	held, err := locks.Get(context.Background(), "scheduler:slow:ws-1")
	require.NoError(t, err)
	assert.Equal(t, "other-replica", string(held))
}

func TestRunOnceTenantError(t *testing.T) {
	s := New(nil, TenantListerFunc(func(context.Context) ([]string, error) {
		return nil, errors.New("db down")
	}), nil, Options{})
	err := s.RunOnce(context.Background(), Job{Name: "x", Interval: time.Minute, Run: func(context.Context, string) error { return nil }})
	assert.ErrorContains(t, err, "list workspaces")
}

func TestRegisterValidates(t *testing.T) {
	s := New(nil, staticTenants(), nil, Options{})
	assert.Error(t, s.Register(Job{Name: "", Interval: time.Second, Run: func(context.Context, string) error { return nil }}))
	assert.Error(t, s.Register(Job{Name: "x", Interval: 0, Run: func(context.Context, string) error { return nil }}))
	assert.NoError(t, s.Register(Job{Name: "x", Interval: time.Second, Run: func(context.Context, string) error { return nil }}))
}

func TestStartTicksUntilCancelled(t *testing.T) {
	var runs int32
	s := New(nil, staticTenants("ws"), nil, Options{RunOnStart: true})
	require.NoError(t, s.Register(Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context, string) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type fakeEngines struct {
	mined, detected, recorded int32
}

func (f *fakeEngines) AnalyzeCorrelations(context.Context, string) ([]models.CorrelationRule, error) {
	atomic.AddInt32(&f.mined, 1)
	return nil, nil
}

func (f *fakeEngines) DetectWorkspaceAnomalies(context.Context, string) ([]models.AnomalyReport, error) {
	atomic.AddInt32(&f.detected, 1)
	return nil, nil
}

func (f *fakeEngines) DetectAndRecordAnomalies(context.Context, string) ([]models.AnomalyReport, error) {
	atomic.AddInt32(&f.recorded, 1)
	return nil, nil
}

func TestJobConstructorsDispatch(t *testing.T) {
	f := &fakeEngines{}
	s := New(nil, staticTenants("a", "b"), nil, Options{})
	require.NoError(t, s.RunOnce(context.Background(), CorrelationJob(f, time.Hour)))
	require.NoError(t, s.RunOnce(context.Background(), AnomalyJob(f, time.Minute, true)))
	require.NoError(t, s.RunOnce(context.Background(), AnomalyJob(f, time.Minute, false)))

	assert.Equal(t, int32(2), f.mined)
	assert.Equal(t, int32(2), f.recorded)
	assert.Equal(t, int32(2), f.detected)
	assert.Equal(t, JobCorrelationMining, CorrelationJob(f, time.Hour).Name)
}
