package provision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureRunsFactoryExactlyOnce(t *testing.T) {
	registry := NewRegistry()
	var calls atomic.Int32

	var wg sync.WaitGroup
	const goroutines = 50
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			err := registry.Ensure(context.Background(), "schema:tenant-a", func(context.Context) error {
				calls.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestEnsureDistinctKeysDoNotContend(t *testing.T) {
	registry := NewRegistry()

	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- registry.Ensure(context.Background(), "key-a", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started

	// A distinct key must not block behind key-a's still-running factory.
	err := registry.Ensure(context.Background(), "key-b", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestEnsureRetriesAfterFactoryFailure(t *testing.T) {
	registry := NewRegistry()
	var calls int

	failing := func(context.Context) error {
		calls++
		return errors.New("transient failure")
	}
	err := registry.Ensure(context.Background(), "key", failing)
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	// key was not memoized on failure, so the next call retries.
	succeeding := func(context.Context) error {
		calls++
		return nil
	}
	err = registry.Ensure(context.Background(), "key", succeeding)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// now memoized: a third call must not invoke the factory again.
	err = registry.Ensure(context.Background(), "key", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
