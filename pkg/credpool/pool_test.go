package credpool

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePicksLeastLoadedWithIDTieBreak(t *testing.T) {
	t.Parallel()

	p, err := New([]Bundle{
		{ID: "b", Capacity: 3},
		{ID: "a", Capacity: 3},
		{ID: "c", Capacity: 3},
	})
	require.NoError(t, err)

	got := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		b, err := p.Allocate(fmt.Sprintf("tenant-%d", i))
		require.NoError(t, err)
		got = append(got, b.ID)
	}

	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestAllocateExhausted(t *testing.T) {
	t.Parallel()

	p, err := New([]Bundle{{ID: "one", Capacity: 1}, {ID: "two", Capacity: 1}})
	require.NoError(t, err)

	_, err = p.Allocate("t1")
	require.NoError(t, err)
	_, err = p.Allocate("t2")
	require.NoError(t, err)

	_, err = p.Allocate("t3")
	require.ErrorIs(t, err, ErrPoolExhausted)

	for _, b := range p.Snapshot() {
		assert.Equal(t, 1, b.Load, "bundle %s", b.ID)
	}
}

func TestAllocateIsIdempotentPerTenant(t *testing.T) {
	t.Parallel()

	p, err := New([]Bundle{{ID: "a", Capacity: 2}, {ID: "b", Capacity: 2}})
	require.NoError(t, err)

	first, err := p.Allocate("t1")
	require.NoError(t, err)
	second, err := p.Allocate("t1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Load)
}

func TestReleaseUnallocatedIsNoop(t *testing.T) {
	t.Parallel()

	p, err := New([]Bundle{{ID: "a", Capacity: 1}})
	require.NoError(t, err)

	p.Release("ghost")
	_, err = p.Allocate("t1")
	require.NoError(t, err)
	p.Release("t1")
	p.Release("t1")

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].Load)

	_, err = p.Allocate("t2")
	require.NoError(t, err)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	p, err := New([]Bundle{{ID: "a", Capacity: 1}})
	require.NoError(t, err)

	require.NoError(t, p.Restore("t1", "a"))
	require.NoError(t, p.Restore("t1", "a"))
	require.ErrorIs(t, p.Restore("t2", "a"), ErrPoolExhausted)
	require.Error(t, p.Restore("t3", "missing"))

	b, ok := p.Assigned("t1")
	require.True(t, ok)
	assert.Equal(t, "a", b.ID)
}

func TestNewRejectsBadBundles(t *testing.T) {
	t.Parallel()

	_, err := New([]Bundle{{ID: "", Capacity: 1}})
	assert.Error(t, err)
	_, err = New([]Bundle{{ID: "a", Capacity: 0}})
	assert.Error(t, err)
	_, err = New([]Bundle{{ID: "a", Capacity: 1}, {ID: "a", Capacity: 1}})
	assert.Error(t, err)
}

func TestCapacityNeverExceededUnderRandomInterleavings(t *testing.T) {
	t.Parallel()

	for seed := int64(1); seed <= 20; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewSource(seed))
			bundles := make([]Bundle, 1+rng.Intn(4))
			for i := range bundles {
				bundles[i] = Bundle{ID: fmt.Sprintf("b%d", i), Capacity: 1 + rng.Intn(3)}
			}
			p, err := New(bundles)
			require.NoError(t, err)

			const workers = 8
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				ops := make([]int, 200)
				for i := range ops {
					ops[i] = rng.Intn(12)
				}
				wg.Add(1)
				go func(w int, ops []int) {
					defer wg.Done()
					for _, op := range ops {
						tenant := fmt.Sprintf("w%d-t%d", w, op%6)
						if op < 7 {
							_, _ = p.Allocate(tenant)
						} else {
							p.Release(tenant)
						}
						for _, b := range p.Snapshot() {
							if b.Load > b.Capacity {
								t.Errorf("bundle %s load %d exceeds capacity %d", b.ID, b.Load, b.Capacity)
							}
						}
					}
				}(w, ops)
			}
			wg.Wait()

			held := 0
			for w := 0; w < workers; w++ {
				for i := 0; i < 6; i++ {
					if _, ok := p.Assigned(fmt.Sprintf("w%d-t%d", w, i)); ok {
						held++
					}
				}
			}
			total := 0
			for _, b := range p.Snapshot() {
				assert.LessOrEqual(t, b.Load, b.Capacity)
				total += b.Load
			}
			assert.Equal(t, held, total)
		})
	}
}

func TestParseBundles(t *testing.T) {
	t.Setenv("UNDERSTUDY_TEST_BUNDLE_SECRET", "s3cret")

	bundles, err := ParseBundles([]byte(`
[[bundle]]
id = "hs-1"
endpoint = "https://matrix.example.org"
secret = "$UNDERSTUDY_TEST_BUNDLE_SECRET"
capacity = 100

[[bundle]]
id = "hs-2"
endpoint = "https://matrix2.example.org"
secret = "plain"
capacity = 50
`))
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, "s3cret", bundles[0].Secret)
	assert.Equal(t, 100, bundles[0].Capacity)
	assert.Equal(t, "plain", bundles[1].Secret)
}
