package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewasm/fleet/internal/store"
)

func TestEngineReconcilesEnqueuedKeyOnce(t *testing.T) {
	var mu sync.Mutex
	var calls int
	done := make(chan struct{})

	r := ReconcilerFunc(func(ctx context.Context, key Key) (Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(done)
		}
		return Done, nil
	})

	e := New(r, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Enqueue(Key{Kind: store.KindDevice, Namespace: "default", Name: "d1"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile never ran")
	}

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestEngineRequeueAfterRunsAgain(t *testing.T) {
	var mu sync.Mutex
	var calls int
	second := make(chan struct{})

	r := ReconcilerFunc(func(ctx context.Context, key Key) (Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return RequeueAfter(10 * time.Millisecond), nil
		}
		if n == 2 {
			close(second)
		}
		return Done, nil
	})

	e := New(r, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Enqueue(Key{Kind: store.KindApplication, Namespace: "default", Name: "a1"})

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("requeue-after never fired a second reconcile")
	}
}

func TestEngineBacksOffOnError(t *testing.T) {
	var mu sync.Mutex
	var timestamps []time.Time

	r := ReconcilerFunc(func(ctx context.Context, key Key) (Result, error) {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		n := len(timestamps)
		mu.Unlock()
		if n < 2 {
			return Done, assertErr
		}
		return Done, nil
	})

	e := New(r, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Enqueue(Key{Kind: store.KindGateway, Namespace: "default", Name: "g1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(timestamps) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	gap := timestamps[1].Sub(timestamps[0])
	mu.Unlock()
	assert.GreaterOrEqual(t, gap, minBackoff/2)
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
