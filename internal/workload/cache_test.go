package workload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowCountCache_ComputesOnce(t *testing.T) {
	c := NewRowCountCache()
	var calls int32
	compute := func(context.Context) (int64, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return 42, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.Get(context.Background(), "taxi", compute)
			assert.NoError(t, err)
			assert.Equal(t, int64(42), n)
		}()
	}
	wg.Wait()

	n, err := c.Get(context.Background(), "taxi", compute)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRowCountCache_ErrorsAreNotCached(t *testing.T) {
	c := NewRowCountCache()
	_, err := c.Get(context.Background(), "osm", func(context.Context) (int64, error) {
		return 0, errors.New("duckdb missing")
	})
	require.Error(t, err)
	_, ok := c.Peek("osm")
	assert.False(t, ok)

	n, err := c.Get(context.Background(), "osm", func(context.Context) (int64, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestRowCountCache_KeyedByDataset(t *testing.T) {
	c := NewRowCountCache()
	a, _ := c.Get(context.Background(), "a", func(context.Context) (int64, error) { return 1, nil })
	b, _ := c.Get(context.Background(), "b", func(context.Context) (int64, error) { return 2, nil })
	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
}
