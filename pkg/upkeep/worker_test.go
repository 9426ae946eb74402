package upkeep

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/understudy/pkg/daemon"
)

type fakeTarget struct {
	mu         sync.Mutex
	expireErr  error
	expired    int
	pendingAge time.Duration
	autoAge    time.Duration
	idle       time.Duration
	rateIdle   time.Duration
	calls      int
}

func (f *fakeTarget) ExpirePending(_ context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.pendingAge = maxAge
	return f.expired, f.expireErr
}

func (f *fakeTarget) SweepAutoStates(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoAge = maxAge
	return 2
}

func (f *fakeTarget) SweepChats(idle time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = idle
	return 3
}

func (f *fakeTarget) SweepRateWindows(idle time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateIdle = idle
	return 4
}

func TestRunOnceUsesConfiguredAges(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{expired: 1}
	var events []string
	w, err := NewWorker(target, func(typ, msg string) { events = append(events, msg) }, Config{})
	require.NoError(t, err)

	r := w.RunOnce(context.Background())
	assert.Equal(t, 1, r.Cycle)
	assert.Equal(t, 1, r.PendingExpired)
	assert.Equal(t, 2, r.AutoSwept)
	assert.Equal(t, 3, r.ChatsSwept)
	assert.Equal(t, 4, r.WindowsSwept)
	assert.Empty(t, r.Errors)

	assert.Equal(t, 5*time.Minute, target.pendingAge)
	assert.Equal(t, 7*24*time.Hour, target.autoAge)
	assert.Equal(t, 24*time.Hour, target.idle)
	assert.Equal(t, time.Hour, target.rateIdle)
	assert.Len(t, events, 1)
	assert.Same(t, r, w.LastReport())
}

func TestRunOnceRecordsErrors(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{expireErr: errors.New("store down")}
	w, err := NewWorker(target, nil, DefaultConfig())
	require.NoError(t, err)

	r := w.RunOnce(context.Background())
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "store down")
	assert.Equal(t, 3, r.ChatsSwept, "other sweeps still run")
	assert.Equal(t, 2, w.RunOnce(context.Background()).Cycle)
}

func TestNewWorkerRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := NewWorker(&fakeTarget{}, nil, Config{Schedule: "every tuesday"})
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{}
	w, err := NewWorker(target, nil, Config{Schedule: "@every 1s"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return target.calls > 0
	}, 3*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestModuleReportsLastCycle(t *testing.T) {
	t.Parallel()

	w, err := NewWorker(&fakeTarget{expired: 2}, nil, DefaultConfig())
	require.NoError(t, err)
	d := daemon.New(daemon.Config{})
	require.NoError(t, w.Init(d))

	mux := http.NewServeMux()
	w.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/upkeep", nil))
	assert.Contains(t, rec.Body.String(), "no cycle yet")

	w.RunOnce(context.Background())
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/upkeep", nil))
	var r Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, 2, r.PendingExpired)

	require.NotEmpty(t, d.Events.Recent(0), "events flow to the host bus")
	assert.Contains(t, d.Events.Recent(1)[0].Message, "revoked 2 pending sessions")
}
