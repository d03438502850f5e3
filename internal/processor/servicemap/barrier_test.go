package servicemap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCyclicBarrierReleasesAllParties(t *testing.T) {
	b := NewCyclicBarrier(3)
	var wg sync.WaitGroup
	results := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := b.Await(context.Background())
			assert.NoError(t, err)
			results[i] = idx
		}(i)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not release all parties")
	}
}

func TestCyclicBarrierReusableAcrossGenerations(t *testing.T) {
	b := NewCyclicBarrier(2)
	for gen := 0; gen < 3; gen++ {
		var wg sync.WaitGroup
		wg.Add(2)
		for i := 0; i < 2; i++ {
			go func() {
				defer wg.Done()
				_, err := b.Await(context.Background())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	}
}

func TestCyclicBarrierBreaksOnCancel(t *testing.T) {
	b := NewCyclicBarrier(2)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = b.Await(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()
	require.ErrorIs(t, err, ErrBarrierBroken)

	_, err2 := b.Await(context.Background())
	assert.ErrorIs(t, err2, ErrBarrierBroken, "a broken barrier stays broken until Reset")
}
