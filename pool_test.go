package replset

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	. "testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/joomcode/errorx"
	"github.com/mediocregopher/mediocre-go-lib/mrand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/replset/trace"
)

// fakeDialer hands out fakeConns. If failFn is set and returns true for a
// dial attempt (counted from 1) that attempt fails.
type fakeDialer struct {
	l       sync.Mutex
	dials   int
	conns   []*fakeConn
	failFn  func(n int) bool
	handler func(c *fakeConn, cmd string, args ...interface{}) (interface{}, error)
}

func (d *fakeDialer) dial(ctx context.Context, network, addr string) (redis.Conn, error) {
	d.l.Lock()
	defer d.l.Unlock()
	d.dials++
	if d.failFn != nil && d.failFn(d.dials) {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(d.handler)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) allClosed() bool {
	d.l.Lock()
	defer d.l.Unlock()
	for _, c := range d.conns {
		if !c.isClosed() {
			return false
		}
	}
	return true
}

func testPool(t *T, cfg PoolConfig) *Pool {
	initDoneCh := make(chan struct{})
	prevInitCompleted := cfg.Trace.InitCompleted
	cfg.Trace.InitCompleted = func(pic trace.PoolInitCompleted) {
		if prevInitCompleted != nil {
			prevInitCompleted(pic)
		}
		close(initDoneCh)
	}
	if cfg.Dial == nil {
		cfg.Dial = new(fakeDialer).dial
	}

	pool, err := cfg.New(testCtx(t), randAddr())
	require.NoError(t, err)
	<-initDoneCh
	t.Cleanup(func() {
		pool.Close()
	})
	return pool
}

func TestPool(t *T) {
	ctx := testCtx(t)
	d := new(fakeDialer)

	var connCreatedCount, connClosedCount atomic.Int64
	var initializedAvailCount int
	pool := testPool(t, PoolConfig{
		Dial:               d.dial,
		Size:               3,
		OverflowBufferSize: -1,
		PingInterval:       -1,
		OnEmptyWait:        10 * time.Millisecond,
		Trace: trace.PoolTrace{
			ConnCreated: func(cc trace.PoolConnCreated) {
				if cc.Err == nil {
					connCreatedCount.Add(1)
				}
			},
			ConnClosed: func(trace.PoolConnClosed) {
				connClosedCount.Add(1)
			},
			InitCompleted: func(pic trace.PoolInitCompleted) {
				initializedAvailCount = pic.AvailCount
			},
		},
	})
	assert.Equal(t, 3, initializedAvailCount)
	assert.Equal(t, 3, pool.NumConns())
	assert.Equal(t, 3, pool.NumAvailConns())

	// mrand isn't safe for concurrent use
	exps := make([][]string, 10)
	for i := range exps {
		exps[i] = make([]string, 50)
		for j := range exps[i] {
			exps[i][j] = mrand.Hex(8)
		}
	}

	var wg sync.WaitGroup
	for _, exps := range exps {
		wg.Add(1)
		go func(exps []string) {
			defer wg.Done()
			for _, exp := range exps {
				conn, err := pool.Get(ctx)
				if !assert.NoError(t, err) {
					return
				}
				out, err := redis.String(conn.Do("ECHO", exp))
				assert.NoError(t, err)
				assert.Equal(t, exp, out)
				assert.NoError(t, conn.Close())
			}
		}(exps)
	}
	wg.Wait()

	assert.Equal(t, 3, pool.NumConns())
	assert.Equal(t, 3, pool.NumAvailConns())

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.NumAvailConns())
	assert.Equal(t, 0, pool.NumConns())
	assert.True(t, d.allClosed())
	assert.Equal(t, connCreatedCount.Load(), connClosedCount.Load())
}

// Test all the different OnEmpty behaviors
func TestPoolGet(t *T) {
	ctx := testCtx(t)
	getBlock := func(ctx context.Context, p *Pool) (time.Duration, error) {
		start := time.Now()
		pc, err := p.get(ctx)
		if pc != nil {
			defer p.put(pc)
		}
		return time.Since(start), err
	}

	newPool := func(t *T, cfg PoolConfig) (*Pool, *poolConn) {
		cfg.Size = 1
		cfg.OverflowBufferSize = -1
		cfg.RefillInterval = -1
		cfg.PingInterval = -1
		pool := testPool(t, cfg)
		pc, err := pool.get(ctx)
		require.NoError(t, err)
		return pool, pc
	}

	t.Run("onEmptyWaitIndefinitely", func(t *T) {
		pool, pc := newPool(t, PoolConfig{OnEmptyWait: -1})
		go func() {
			time.Sleep(100 * time.Millisecond)
			pool.put(pc)
		}()
		took, err := getBlock(ctx, pool)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, took, 100*time.Millisecond)
	})

	t.Run("onEmptyErr", func(t *T) {
		pool, pc := newPool(t, PoolConfig{OnEmptyWait: 50 * time.Millisecond, OnEmptyErr: true})
		defer pool.put(pc)
		took, err := getBlock(ctx, pool)
		assert.True(t, errorx.IsOfType(err, ErrPoolExhausted), "%v", err)
		assert.True(t, IsRetryable(err))
		assert.GreaterOrEqual(t, took, 50*time.Millisecond)
	})

	t.Run("onEmptyCreate", func(t *T) {
		var reasons []trace.PoolConnCreatedReason
		pool, pc := newPool(t, PoolConfig{
			OnEmptyWait: 50 * time.Millisecond,
			Trace: trace.PoolTrace{ConnCreated: func(cc trace.PoolConnCreated) {
				reasons = append(reasons, cc.Reason)
			}},
		})
		defer pool.put(pc)
		took, err := getBlock(ctx, pool)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, took, 50*time.Millisecond)
		assert.Equal(t, []trace.PoolConnCreatedReason{
			trace.PoolConnCreatedReasonInitialization,
			trace.PoolConnCreatedReasonPoolEmpty,
		}, reasons)
	})

	t.Run("ctxDone", func(t *T) {
		pool, pc := newPool(t, PoolConfig{OnEmptyWait: -1})
		defer pool.put(pc)
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := getBlock(ctx, pool)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPoolBrokenConn(t *T) {
	ctx := testCtx(t)
	var closedReasons []trace.PoolConnClosedReason
	pool := testPool(t, PoolConfig{
		Size:           2,
		RefillInterval: -1,
		PingInterval:   -1,
		Trace: trace.PoolTrace{ConnClosed: func(cc trace.PoolConnClosed) {
			closedReasons = append(closedReasons, cc.Reason)
		}},
	})

	conn, err := pool.Get(ctx)
	require.NoError(t, err)
	conn.(*activeConn).pc.Conn.(*fakeConn).setErr(errors.New("broken pipe"))
	assert.Error(t, conn.Err())
	require.NoError(t, conn.Close())

	assert.Equal(t, 1, pool.NumConns())
	assert.Equal(t, []trace.PoolConnClosedReason{trace.PoolConnClosedReasonConnErr}, closedReasons)

	// the activeConn can't be used once given back
	_, err = conn.Do("PING")
	assert.True(t, errorx.IsOfType(err, ErrClosed), "%v", err)
	assert.NoError(t, conn.Close())
}

func TestPoolOpenFailure(t *T) {
	d := &fakeDialer{failFn: func(int) bool { return true }}
	_, err := PoolConfig{Dial: d.dial}.New(testCtx(t), randAddr())
	assert.True(t, errorx.IsOfType(err, ErrPoolOpenFailure), "%v", err)
	assert.True(t, IsRetryable(err))

	_, err = PoolConfig{Dial: d.dial}.Func()(testCtx(t), randAddr())
	assert.True(t, errorx.IsOfType(err, ErrPoolOpenFailure), "%v", err)
}

func TestPoolRefill(t *T) {
	// the second and third dials fail, leaving the pool short until refill
	// makes up for them
	d := &fakeDialer{failFn: func(n int) bool { return n == 2 || n == 3 }}
	pool := testPool(t, PoolConfig{
		Dial:           d.dial,
		Size:           3,
		RefillInterval: 10 * time.Millisecond,
		PingInterval:   -1,
	})
	assert.Eventually(t, func() bool {
		return pool.NumConns() == 3
	}, time.Second, 10*time.Millisecond)
}

func TestPoolPing(t *T) {
	d := &fakeDialer{handler: func(c *fakeConn, cmd string, _ ...interface{}) (interface{}, error) {
		err := errors.New("broken pipe")
		c.setErr(err)
		return nil, err
	}}
	pool := testPool(t, PoolConfig{
		Dial:           d.dial,
		Size:           1,
		RefillInterval: -1,
		PingInterval:   -1,
	})
	require.Equal(t, 1, pool.NumConns())
	pool.doPing(testCtx(t))
	assert.Equal(t, 0, pool.NumConns())
	assert.True(t, d.allClosed())
}

func TestPoolOverflowDrain(t *T) {
	ctx := testCtx(t)
	pool := testPool(t, PoolConfig{
		Size:                  1,
		OverflowBufferSize:    1,
		OverflowDrainInterval: -1,
		RefillInterval:        -1,
		PingInterval:          -1,
		OnEmptyWait:           10 * time.Millisecond,
	})

	pc1, err := pool.get(ctx)
	require.NoError(t, err)
	pc2, err := pool.get(ctx)
	require.NoError(t, err)
	pool.put(pc1)
	pool.put(pc2)
	assert.Equal(t, 2, pool.NumAvailConns())
	assert.Equal(t, 2, pool.NumConns())

	pool.doOverflowDrain(ctx)
	assert.Equal(t, 1, pool.NumAvailConns())
	assert.Equal(t, 1, pool.NumConns())

	// nothing is drained once the pool is back to its normal size
	pool.doOverflowDrain(ctx)
	assert.Equal(t, 1, pool.NumAvailConns())
}

func TestPoolClose(t *T) {
	ctx := testCtx(t)
	d := new(fakeDialer)
	pool := testPool(t, PoolConfig{Dial: d.dial, Size: 2})

	conn, err := pool.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.True(t, errorx.IsOfType(pool.Close(), ErrClosed))

	_, err = pool.Get(ctx)
	assert.True(t, errorx.IsOfType(err, ErrClosed), "%v", err)

	// the checked out connection is closed once given back
	assert.False(t, d.allClosed())
	require.NoError(t, conn.Close())
	assert.True(t, d.allClosed())
	assert.Equal(t, 0, pool.NumConns())
}
