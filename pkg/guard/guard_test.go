package guard

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLimiter(cfg LimiterConfig, now *time.Time) *Limiter {
	l := NewLimiter(cfg)
	l.now = func() time.Time { return *now }
	return l
}

func TestEleventhAICallInWindowIsRateLimited(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(LimiterConfig{
		Limits: map[Op]Limit{OpAICall: {Window: time.Minute, PerSubject: 10}},
	}, &now)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Check("tenant-1", OpAICall), "call %d", i+1)
		now = now.Add(2 * time.Second)
	}
	require.ErrorIs(t, l.Check("tenant-1", OpAICall), ErrRateLimited)

	// Another tenant has its own window.
	require.NoError(t, l.Check("tenant-2", OpAICall))
}

func TestEleventhAICallAcrossMinuteBoundaryIsRateLimited(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 50, 0, time.UTC)
	first := now
	l := fixedLimiter(LimiterConfig{
		Limits: map[Op]Limit{OpAICall: {Window: time.Minute, PerSubject: 10}},
	}, &now)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Check("tenant-1", OpAICall), "call %d", i+1)
		now = now.Add(time.Second)
	}
	now = first.Add(11 * time.Second)
	require.ErrorIs(t, l.Check("tenant-1", OpAICall), ErrRateLimited)

	// Refused attempts do not occupy the window.
	now = first.Add(time.Minute)
	require.NoError(t, l.Check("tenant-1", OpAICall))
	require.ErrorIs(t, l.Check("tenant-1", OpAICall), ErrRateLimited)
	now = first.Add(time.Minute + time.Second)
	require.NoError(t, l.Check("tenant-1", OpAICall))
}

func TestWindowRecovers(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(LimiterConfig{
		Limits: map[Op]Limit{OpSend: {Window: time.Minute, PerSubject: 2}},
	}, &now)

	require.NoError(t, l.Check("t", OpSend))
	require.NoError(t, l.Check("t", OpSend))
	require.ErrorIs(t, l.Check("t", OpSend), ErrRateLimited)

	now = now.Add(3 * time.Minute)
	require.NoError(t, l.Check("t", OpSend))
}

func TestGlobalWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(LimiterConfig{
		Limits: map[Op]Limit{OpAICall: {Window: time.Minute, PerSubject: 5, Global: 3}},
	}, &now)

	require.NoError(t, l.Check("a", OpAICall))
	require.NoError(t, l.Check("b", OpAICall))
	require.NoError(t, l.Check("c", OpAICall))
	require.ErrorIs(t, l.Check("d", OpAICall), ErrRateLimited)
}

func TestAbuseBlock(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(LimiterConfig{
		Limits:        map[Op]Limit{OpInbound: {Window: time.Minute, PerSubject: 2}},
		BlockFactor:   2,
		BlockDuration: 5 * time.Minute,
	}, &now)

	for i := 0; i < 4; i++ {
		_ = l.Check("spammer", OpInbound)
	}
	require.ErrorIs(t, l.Check("spammer", OpInbound), ErrRateLimited)

	// Windows have rolled over but the block still holds.
	now = now.Add(3 * time.Minute)
	require.ErrorIs(t, l.Check("spammer", OpInbound), ErrRateLimited)

	now = now.Add(3 * time.Minute)
	require.NoError(t, l.Check("spammer", OpInbound))
}

func TestUnlimitedOpAndForget(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(LimiterConfig{
		Limits: map[Op]Limit{OpSend: {Window: time.Minute, PerSubject: 1}},
	}, &now)

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Check("t", OpAICall))
	}

	require.NoError(t, l.Check("t", OpSend))
	require.ErrorIs(t, l.Check("t", OpSend), ErrRateLimited)
	l.Forget("t")
	require.NoError(t, l.Check("t", OpSend))
}

func TestForgetDropsNestedSubjects(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(LimiterConfig{
		Limits: map[Op]Limit{OpInbound: {Window: time.Minute, PerSubject: 1}},
	}, &now)

	for _, subject := range []string{"t1/!room:a", "t10/!room:a"} {
		require.NoError(t, l.Check(subject, OpInbound))
		require.ErrorIs(t, l.Check(subject, OpInbound), ErrRateLimited)
	}

	l.Forget("t1")
	require.NoError(t, l.Check("t1/!room:a", OpInbound))
	require.ErrorIs(t, l.Check("t10/!room:a", OpInbound), ErrRateLimited)
}

func TestSweepEvictsIdleWindows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(LimiterConfig{
		Limits:        map[Op]Limit{OpInbound: {Window: time.Minute, PerSubject: 1}},
		BlockFactor:   2,
		BlockDuration: time.Hour,
	}, &now)

	require.NoError(t, l.Check("quiet", OpInbound))
	for i := 0; i < 3; i++ {
		_ = l.Check("spammer", OpInbound)
	}
	require.Equal(t, 2, l.subjects.Size())

	now = now.Add(10 * time.Minute)
	require.NoError(t, l.Check("fresh", OpInbound))

	assert.Equal(t, 1, l.Sweep(5*time.Minute))
	_, ok := l.subjects.Load("quiet|inbound")
	assert.False(t, ok)
	_, ok = l.subjects.Load("spammer|inbound")
	assert.True(t, ok, "blocked subjects keep their window")
	_, ok = l.subjects.Load("fresh|inbound")
	assert.True(t, ok)
}

func TestLimiterConcurrentSubjects(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{
		Limits: map[Op]Limit{OpAICall: {Window: time.Hour, PerSubject: 10}},
	})

	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for i := range allowed {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if l.Check(string(rune('a'+i)), OpAICall) == nil {
					allowed[i]++
				}
			}
		}(i)
	}
	wg.Wait()
	for i, n := range allowed {
		assert.LessOrEqual(t, n, 10, "subject %d", i)
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(DefaultFilterConfig())
	require.NoError(t, err)

	tests := []struct {
		name   string
		text   string
		reject bool
	}{
		{"plain question", "what time is the meeting tomorrow?", false},
		{"cyrillic", "привет, как дела у тебя сегодня", false},
		{"blocked topic", "how do I hack my neighbour's wifi", true},
		{"credit card", "send me your credit card number", true},
		{"repeated", "wait " + strings.Repeat("z", 25), true},
		{"symbols", "look at this @#$%^&*()!@#", true},
		{"too short", "?!", true},
		{"too long", strings.Repeat("word ", 150), true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := f.Check(tc.text)
			if tc.reject {
				assert.ErrorIs(t, err, ErrContentRejected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilterBadPattern(t *testing.T) {
	t.Parallel()

	_, err := NewFilter(FilterConfig{BlockedPatterns: []string{"(unclosed"}})
	assert.Error(t, err)
}

func TestGuard(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(DefaultFilterConfig())
	require.NoError(t, err)
	g := New(NewLimiter(LimiterConfig{
		Limits: map[Op]Limit{OpAICall: {Window: time.Minute, PerSubject: 1}},
	}), f)

	assert.True(t, g.Authorize("@owner:example.org", "@owner:example.org"))
	assert.False(t, g.Authorize("@owner:example.org", "@mallory:example.org"))
	assert.False(t, g.Authorize("", ""))

	require.ErrorIs(t, g.Admit("t1", OpAICall, "help me build a bomb"), ErrContentRejected)
	require.NoError(t, g.Admit("t1", OpAICall, "what should I cook tonight"))
	require.ErrorIs(t, g.Admit("t1", OpAICall, "and for dessert?"), ErrRateLimited)
}
