package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	region   string
	closeErr error
	closed   atomic.Int32
}

func (f *fakeHandle) Close() error {
	f.closed.Add(1)
	return f.closeErr
}

func TestRegistry_GetCachesPerRegion(t *testing.T) {
	var built atomic.Int32
	r := New(func(region string) (*fakeHandle, error) {
		built.Add(1)
		return &fakeHandle{region: region}, nil
	})

	a1, err := r.Get("us-east-1")
	require.NoError(t, err)
	a2, err := r.Get("us-east-1")
	require.NoError(t, err)
	b, err := r.Get("eu-west-1")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, "eu-west-1", b.region)
	assert.Equal(t, int32(2), built.Load())
}

func TestRegistry_GetFactoryError(t *testing.T) {
	r := New(func(region string) (*fakeHandle, error) {
		return nil, errors.New("no credentials")
	})

	_, err := r.Get("us-east-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "us-east-1")
	assert.Empty(t, r.Regions())
}

func TestRegistry_ConcurrentGetReturnsOneHandle(t *testing.T) {
	var mu sync.Mutex
	var all []*fakeHandle
	r := New(func(region string) (*fakeHandle, error) {
		h := &fakeHandle{region: region}
		mu.Lock()
		all = append(all, h)
		mu.Unlock()
		return h, nil
	})

	const n = 32
	got := make([]*fakeHandle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Get("us-east-1")
			assert.NoError(t, err)
			got[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range got {
		assert.Same(t, got[0], h)
	}
	// duplicates built during the race are closed, the winner is not
	for _, h := range all {
		if h == got[0] {
			assert.Equal(t, int32(0), h.closed.Load())
		} else {
			assert.Equal(t, int32(1), h.closed.Load())
		}
	}
}

func TestRegistry_ClearContinuesPastFailures(t *testing.T) {
	handles := map[string]*fakeHandle{
		"us-east-1": {region: "us-east-1", closeErr: errors.New("boom")},
		"us-west-2": {region: "us-west-2"},
		"eu-west-1": {region: "eu-west-1", closeErr: errors.New("bang")},
	}
	r := New(func(region string) (*fakeHandle, error) {
		return handles[region], nil
	})
	for region := range handles {
		_, err := r.Get(region)
		require.NoError(t, err)
	}

	regions := r.Regions()
	sort.Strings(regions)
	assert.Equal(t, []string{"eu-west-1", "us-east-1", "us-west-2"}, regions)

	err := r.Clear()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "bang")
	for _, h := range handles {
		assert.Equal(t, int32(1), h.closed.Load())
	}
	assert.Empty(t, r.Regions())
}

func TestRegistry_ClearEmpty(t *testing.T) {
	r := New(func(region string) (*fakeHandle, error) {
		return &fakeHandle{}, nil
	})
	assert.NoError(t, r.Clear())
}
