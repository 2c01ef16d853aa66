package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(8, time.Minute)
	key := Key{Orchestrator: "moe", Query: "what is the weather", ExpertIDs: []string{"b", "a"}}
	c.Set(key, "cached answer")

	v, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "cached answer", v)
}

func TestKeyNormalizationIgnoresCaseSpacingAndOrder(t *testing.T) {
	c := New(8, time.Minute)
	c.Set(Key{Orchestrator: "moe", Query: "  What Is  The Weather ", ExpertIDs: []string{"a", "b"}}, "x")

	_, ok := c.Get(Key{Orchestrator: "moe", Query: "what is the weather", ExpertIDs: []string{"b", "a"}})
	require.True(t, ok)
}

func TestGetOrComputeDeduplicatesConcurrentMisses(t *testing.T) {
	c := New(8, time.Minute)
	key := Key{Orchestrator: "moe", Query: "q", ExpertIDs: []string{"a"}}

	var calls atomic.Int32
	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.GetOrCompute(context.Background(), key, func(context.Context) (any, bool, error) {
				calls.Add(1)
				time.Sleep(10 * time.Millisecond)
				return "computed", true, nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Equal(t, "computed", r)
	}
}

func TestGetOrComputePropagatesError(t *testing.T) {
	c := New(8, time.Minute)
	key := Key{Orchestrator: "moe", Query: "q"}
	wantErr := errors.New("boom")

	_, hit, err := c.GetOrCompute(context.Background(), key, func(context.Context) (any, bool, error) {
		return nil, false, wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.False(t, hit)

	_, ok := c.Get(key)
	require.False(t, ok, "a failed compute must not be cached")
}

func TestTTLExpiresEntries(t *testing.T) {
	c := New(8, 20*time.Millisecond)
	key := Key{Orchestrator: "moe", Query: "q"}
	c.Set(key, "v")

	_, ok := c.Get(key)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(key)
	require.False(t, ok)
}

func TestPurgeClearsEverything(t *testing.T) {
	c := New(8, time.Minute)
	c.Set(Key{Orchestrator: "moe", Query: "a"}, 1)
	c.Set(Key{Orchestrator: "moe", Query: "b"}, 2)
	require.Equal(t, 2, c.Len())

	c.Purge()
	require.Equal(t, 0, c.Len())
}
