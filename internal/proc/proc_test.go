package proc

import (
	"context"
	"sync/atomic"
	. "testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProc(t *T) {
	p := New()

	var loops int64
	p.Run(func(ctx context.Context) {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				atomic.AddInt64(&loops, 1)
			case <-ctx.Done():
				return
			}
		}
	})

	require.NoError(t, p.WithRLock(func() error { return nil }))
	assert.False(t, p.IsClosed())

	var fnCalled bool
	require.NoError(t, p.Close(func() error {
		fnCalled = true
		return nil
	}))
	assert.True(t, fnCalled)
	assert.True(t, p.IsClosed())
	assert.Error(t, p.Ctx().Err())

	// once closed the go-routine must have exited, so the counter is frozen
	n := atomic.LoadInt64(&loops)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, n, atomic.LoadInt64(&loops))

	assert.Equal(t, ErrClosed, p.Close(nil))
	assert.Equal(t, ErrClosed, p.WithLock(func() error { return nil }))
	assert.Equal(t, ErrClosed, p.WithRLock(func() error { return nil }))

	select {
	case <-p.ClosedCh():
	default:
		t.Fatal("ClosedCh not closed")
	}
}

func TestProcPrefixedClose(t *T) {
	p := New()
	var order []string
	err := p.PrefixedClose(
		func() error {
			order = append(order, "prefix")
			assert.False(t, p.IsClosed())
			return nil
		},
		func() error {
			order = append(order, "fn")
			assert.True(t, p.IsClosed())
			return context.Canceled
		},
	)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, []string{"prefix", "fn"}, order)
}
