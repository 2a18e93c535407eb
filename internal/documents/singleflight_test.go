package documents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGroupCallerCancelDoesNotFailWaiters(t *testing.T) {
	g := newLoadGroup(time.Second)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	load := func(ctx context.Context) (interface{}, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return "INVOICE:1 resolved", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err, _ := g.Do(firstCtx, "INVOICE:1", load)
		firstErr <- err
	}()
	<-started

	type result struct {
		val interface{}
		err error
	}
	second := make(chan result, 1)
	go func() {
		val, err, _ := g.Do(context.Background(), "INVOICE:1", load)
		second <- result{val, err}
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "INVOICE:1 resolved", res.val)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received the shared load")
	}
}

func TestLoadGroupTimesOutDetachedLoad(t *testing.T) {
	g := newLoadGroup(20 * time.Millisecond)
	_, err, _ := g.Do(context.Background(), "INVOICE:2", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestServicesDoNotShareLoads(t *testing.T) {
	a := newFixture(t, Config{})
	b := newFixture(t, Config{}, WithLoadTimeout(time.Second))
	require.NotSame(t, a.svc.loads, b.svc.loads)

	aStarted := make(chan struct{})
	blocked := make(chan struct{})
	defer close(blocked)
	go func() {
		_, _, _ = a.svc.loads.Do(context.Background(), "INVOICE:3", func(context.Context) (interface{}, error) {
			close(aStarted)
			<-blocked
			return "from a", nil
		})
	}()
	<-aStarted

	done := make(chan interface{}, 1)
	go func() {
		val, _, _ := b.svc.loads.Do(context.Background(), "INVOICE:3", func(context.Context) (interface{}, error) {
			return "from b", nil
		})
		done <- val
	}()
	select {
	case val := <-done:
		assert.Equal(t, "from b", val)
	case <-time.After(2 * time.Second):
		t.Fatal("service b waited on service a's load")
	}
}
