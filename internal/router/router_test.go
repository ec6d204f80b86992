package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantline/internal/observability"
)

func newTestRouter(t *testing.T, maxRetries int) (*Router, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	r := New(Config{QueueSize: 16, MaxRetries: maxRetries, RetryDelay: time.Millisecond}, nil, m)
	t.Cleanup(r.Stop)
	return r, m
}

func TestHigherPriorityDrainsFirst(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	r.sem = make(chan struct{}, 1)
	r.Handle("agent", func(ctx context.Context, msg Message) error {
		mu.Lock()
		got = append(got, msg.Type)
		mu.Unlock()
		wg.Done()
		return nil
	})
	ctx := context.Background()
	wg.Add(4)
	for _, m := range []Message{
		{To: []string{"agent"}, Type: "low", Priority: Low},
		{To: []string{"agent"}, Type: "normal", Priority: Normal},
		{To: []string{"agent"}, Type: "critical", Priority: Critical},
		{To: []string{"agent"}, Type: "high", Priority: High},
	} {
		_, err := r.Send(ctx, m)
		require.NoError(t, err)
	}
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go r.Run(runCtx)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	assert.Equal(t, "critical", got[0])
	assert.Equal(t, "high", got[1])
}

func TestRetryThenDeliver(t *testing.T) {
	r, m := newTestRouter(t, 3)
	var calls int
	done := make(chan struct{})
	r.Handle("flaky", func(ctx context.Context, msg Message) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		close(done)
		return nil
	})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go r.Run(ctx)

	id, err := r.Send(ctx, Message{To: []string{"flaky"}, Type: TypeEvaluate, Priority: Normal})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
	require.Eventually(t, func() bool {
		d, ok := r.Status(id)
		return ok && d.Recipients["flaky"] == StateDelivered
	}, 2*time.Second, 5*time.Millisecond)
	d, _ := r.Status(id)
	assert.Equal(t, 3, d.Attempts["flaky"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouterDeliveries.WithLabelValues(TypeEvaluate, "delivered")))
}

func TestExhaustedDeliveryEscalatesToOrchestrator(t *testing.T) {
	r, _ := newTestRouter(t, 1)
	failures := make(chan DeliveryFailure, 1)
	r.Handle("dead", func(ctx context.Context, msg Message) error {
		return errors.New("unreachable")
	})
	r.Handle(OrchestratorAddress, func(ctx context.Context, msg Message) error {
		assert.Equal(t, TypeDeliveryFailed, msg.Type)
		assert.Equal(t, Critical, msg.Priority)
		var f DeliveryFailure
		assert.NoError(t, msg.Decode(&f))
		failures <- f
		return nil
	})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go r.Run(ctx)

	msg, err := NewMessage("orchestrator", []string{"dead"}, TypeEvaluate, Normal, map[string]string{"grant_id": "g1"})
	require.NoError(t, err)
	id, err := r.Send(ctx, msg)
	require.NoError(t, err)

	select {
	case f := <-failures:
		assert.Equal(t, id, f.MessageID)
		assert.Equal(t, "dead", f.Recipient)
		assert.Equal(t, 2, f.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure escalation")
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	r, _ := newTestRouter(t, 5)
	var calls int
	var mu sync.Mutex
	r.Handle("strict", func(ctx context.Context, msg Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return backoff.Permanent(errors.New("bad payload"))
	})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go r.Run(ctx)
	id, err := r.Send(ctx, Message{To: []string{"strict"}, Type: TypeStatus, Priority: Low})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d, ok := r.Status(id)
		return ok && d.Recipients["strict"] == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestBroadcastSkipsSenderAndOrchestrator(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]bool{}
	for _, addr := range []string{"a", "b", "c", OrchestratorAddress} {
		addr := addr
		r.Handle(addr, func(ctx context.Context, msg Message) error {
			mu.Lock()
			seen[addr] = true
			mu.Unlock()
			wg.Done()
			return nil
		})
	}
	wg.Add(2)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go r.Run(ctx)
	_, err := r.Send(ctx, Message{From: "a", Broadcast: true, Type: TypeStatus, Priority: Low})
	require.NoError(t, err)
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]bool{"b": true, "c": true}, seen)
}

func TestSendValidation(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	ctx := context.Background()
	_, err := r.Send(ctx, Message{Type: TypeStatus})
	assert.Error(t, err)
	_, err = r.Send(ctx, Message{To: []string{"x"}})
	assert.Error(t, err)
	r.Stop()
	_, err = r.Send(ctx, Message{To: []string{"x"}, Type: TypeStatus})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDeduper(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := Deduper{TTL: time.Minute, Now: func() time.Time { return now }}
	assert.True(t, d.First("m1"))
	assert.False(t, d.First("m1"))
	now = now.Add(2 * time.Minute)
	assert.True(t, d.First("m1"))
	d.Forget("m1")
	assert.True(t, d.First("m1"))
}
