package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPreservesInputOrder(t *testing.T) {
	names := []string{"100", "101", "102", "103", "104", "105", "106"}
	pool := &Pool{Workers: 3}

	results := pool.Run(context.Background(), names, func(ctx context.Context, name string) (string, error) {
		// later items finish first
		time.Sleep(time.Duration(len(names)) * time.Millisecond)
		return "done " + name, nil
	})

	require.Len(t, results, len(names))
	for i, r := range results {
		assert.Equal(t, names[i], r.Name)
		assert.Equal(t, "done "+names[i], r.Message)
		assert.NoError(t, r.Err)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	names := []string{"ok", "fail", "panic", "ok2"}
	pool := &Pool{Workers: 2}

	results := pool.Run(context.Background(), names, func(ctx context.Context, name string) (string, error) {
		switch name {
		case "fail":
			return "", errors.New("bad record")
		case "panic":
			panic("boom")
		}
		return name, nil
	})

	assert.NoError(t, results[0].Err)
	assert.EqualError(t, results[1].Err, "bad record")
	require.Error(t, results[2].Err)
	assert.Contains(t, results[2].Err.Error(), "boom")
	assert.NoError(t, results[3].Err)

	failed := Failed(results)
	require.Len(t, failed, 2)
	assert.Equal(t, "fail", failed[0].Name)
	assert.Equal(t, "panic", failed[1].Name)
}

func TestRunStartupOncePerWorker(t *testing.T) {
	var started int32
	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprint(i)
	}
	pool := &Pool{
		Workers: 4,
		Startup: func(int) { atomic.AddInt32(&started, 1) },
	}
	pool.Run(context.Background(), names, func(ctx context.Context, name string) (string, error) {
		return name, nil
	})
	assert.Equal(t, int32(4), atomic.LoadInt32(&started))
}

func TestRunCapsWorkersAtItems(t *testing.T) {
	var started int32
	pool := &Pool{Workers: 8, Startup: func(int) { atomic.AddInt32(&started, 1) }}
	pool.Run(context.Background(), []string{"a", "b"}, func(ctx context.Context, name string) (string, error) {
		return name, nil
	})
	assert.Equal(t, int32(2), started)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	results := (&Pool{Workers: 2}).Run(ctx, []string{"a", "b", "c"}, func(ctx context.Context, name string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return name, nil
	})
	assert.Zero(t, calls)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestRunCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	names := []string{"a", "b", "c", "d", "e", "f"}
	var out bytes.Buffer
	results := (&Pool{Workers: 1, Progress: &out}).Run(ctx, names, func(ctx context.Context, name string) (string, error) {
		if name == "b" {
			cancel()
		}
		return name, nil
	})

	require.Len(t, results, len(names))
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	for _, r := range results[2:] {
		assert.ErrorIs(t, r.Err, context.Canceled, r.Name)
	}
}

func TestRunEmpty(t *testing.T) {
	assert.Empty(t, (&Pool{}).Run(context.Background(), nil, nil))
}

func TestDefaultWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkers(), 1)
}

func TestHideAccelerators(t *testing.T) {
	HideAccelerators(1)
	assert.Equal(t, "-1", os.Getenv(AcceleratorEnv))
}

func TestSnapshot(t *testing.T) {
	r := Snapshot()
	assert.Positive(t, r.Goroutines)
	assert.Contains(t, r.String(), "goroutines")
}
