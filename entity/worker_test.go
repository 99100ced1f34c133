package entity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsTasksInOrder(t *testing.T) {
	w := newWorker("test")
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, w.submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	w.stop()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.False(t, w.submit(func() {}))
}

func TestWorkerSurvivesPanic(t *testing.T) {
	w := newWorker("test")
	defer w.stop()

	done := make(chan struct{})
	w.submit(func() { panic("boom") })
	w.submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("task after panic did not run")
	}
}

func TestWorkerIdle(t *testing.T) {
	w := newWorker("test")
	defer w.stop()

	release := make(chan struct{})
	w.submit(func() { <-release })
	assert.False(t, w.idle())
	close(release)
	assert.Eventually(t, w.idle, waitFor, tick)
}
