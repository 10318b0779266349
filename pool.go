package replset

import (
	"context"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/mediocregopher/replset/internal/proc"
	"github.com/mediocregopher/replset/trace"
)

// Client describes a set of reusable connections to a single node of a
// replica set. *Pool is the Client implementation used by default.
type Client interface {
	// Addr returns the address of the node the Client connects to.
	Addr() Addr

	// Get returns a connection to the node. Calling Close on the returned
	// connection gives it back to the Client.
	Get(ctx context.Context) (redis.Conn, error)

	// NumConns returns the number of live connections the Client holds,
	// whether they are currently checked out or not.
	NumConns() int

	// Close closes all connections held by the Client. Connections which are
	// checked out are closed when they are given back.
	Close() error
}

// PoolFunc is used by Manager to open a Client to a node it has discovered.
// Errors are treated the same as the node being unreachable.
type PoolFunc func(ctx context.Context, addr Addr) (Client, error)

////////////////////////////////////////////////////////////////////////////////

// poolConn wraps a connection held by the Pool.
type poolConn struct {
	redis.Conn
}

// activeConn is handed out by Get. Closing it puts the underlying poolConn
// back into the Pool, after which it can no longer be used.
type activeConn struct {
	l  sync.Mutex
	pc *poolConn
	p  *Pool
}

func (ac *activeConn) conn() (redis.Conn, error) {
	ac.l.Lock()
	defer ac.l.Unlock()
	if ac.pc == nil {
		return nil, ErrClosed.New("connection already given back to pool for %s", ac.p.addr)
	}
	return ac.pc.Conn, nil
}

func (ac *activeConn) Close() error {
	ac.l.Lock()
	pc := ac.pc
	ac.pc = nil
	ac.l.Unlock()
	if pc != nil {
		ac.p.put(pc)
	}
	return nil
}

func (ac *activeConn) Err() error {
	c, err := ac.conn()
	if err != nil {
		return err
	}
	return c.Err()
}

func (ac *activeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	c, err := ac.conn()
	if err != nil {
		return nil, err
	}
	return c.Do(cmd, args...)
}

func (ac *activeConn) Send(cmd string, args ...interface{}) error {
	c, err := ac.conn()
	if err != nil {
		return err
	}
	return c.Send(cmd, args...)
}

func (ac *activeConn) Flush() error {
	c, err := ac.conn()
	if err != nil {
		return err
	}
	return c.Flush()
}

func (ac *activeConn) Receive() (interface{}, error) {
	c, err := ac.conn()
	if err != nil {
		return nil, err
	}
	return c.Receive()
}

////////////////////////////////////////////////////////////////////////////////

// PoolConfig is used to create Pool instances with particular settings. All
// fields are optional, all methods are thread-safe.
type PoolConfig struct {
	// Dial is used by Pool to create new connections to its node.
	//
	// Defaults to DefaultDialFunc.
	Dial DialFunc

	// Size indicates the number of connections the Pool will keep open.
	//
	// Defaults to 4.
	Size int

	// PingInterval specifies the interval at which a ping event happens. On
	// each ping event the Pool calls the PING command over one of its
	// available connections, so that broken connections are discovered and
	// replaced even when idle.
	//
	// Since connections are used in LIFO order, the ping interval * pool size
	// is the duration of time it takes to ping every connection once when the
	// pool is idle.
	//
	// Defaults to 5 seconds divided by Size+1. Use -1 to disable.
	PingInterval time.Duration

	// RefillInterval specifies the interval at which a refill event happens.
	// On each refill event the Pool checks to see if it is full, and if it's
	// not a single connection is created and added to it.
	//
	// Defaults to 1 second. Use -1 to disable.
	RefillInterval time.Duration

	// OverflowBufferSize indicates how big the overflow buffer is. If a
	// connection is being given back to a full Pool it is put into the
	// overflow buffer instead. If that is also full the connection is closed
	// and discarded.
	//
	// Defaults to (Size/3)+1. Use -1 to disable.
	OverflowBufferSize int

	// OverflowDrainInterval specifies the interval at which a drain event
	// happens. On each drain event a connection is removed from the overflow
	// buffer, if any are present in it, closed, and discarded.
	//
	// Defaults to 1 second. Use -1 to disable.
	OverflowDrainInterval time.Duration

	// OnEmptyWait indicates how long Get will block waiting for a connection
	// when the Pool is empty. Once passed a new connection is created, or
	// ErrPoolExhausted is returned if OnEmptyErr is set. Get always returns
	// once its Context is done.
	//
	// Defaults to 1 second. Use -1 to wait until a connection is available or
	// the Context is done.
	OnEmptyWait time.Duration

	// OnEmptyErr causes Get to return ErrPoolExhausted after OnEmptyWait,
	// rather than creating a new connection.
	OnEmptyErr bool

	// Trace contains callbacks that a Pool can use to trace itself.
	//
	// All callbacks are blocking.
	Trace trace.PoolTrace
}

func (cfg PoolConfig) withDefaults() PoolConfig {
	if cfg.Dial == nil {
		cfg.Dial = DefaultDialFunc
	}
	if cfg.Size == 0 {
		cfg.Size = 4
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 5 * time.Second / time.Duration(cfg.Size+1)
	}
	if cfg.RefillInterval == 0 {
		cfg.RefillInterval = 1 * time.Second
	}
	if cfg.OverflowBufferSize == 0 {
		cfg.OverflowBufferSize = (cfg.Size / 3) + 1
	} else if cfg.OverflowBufferSize < 0 {
		cfg.OverflowBufferSize = 0
	}
	if cfg.OverflowDrainInterval == 0 {
		cfg.OverflowDrainInterval = 1 * time.Second
	}
	if cfg.OnEmptyWait == 0 {
		cfg.OnEmptyWait = 1 * time.Second
	}
	return cfg
}

// Pool is a semi-dynamic pool which holds a fixed number of connections open
// to a single node, and which implements the Client interface.
type Pool struct {
	cfg  PoolConfig
	addr Addr
	proc *proc.Proc

	l sync.RWMutex
	// totalConns is only really needed by the refill part of the code to ensure
	// it's not overly refilling the pool. It is protected by l.
	totalConns int
	// pool is read-protected by l, and should not be written to or read from
	// when closed is true (closed is also protected by l)
	pool   chan *poolConn
	closed bool
}

var _ Client = new(Pool)

// New creates a *Pool which will keep open at least the configured number of
// connections to the node at the given address.
//
// One connection is made synchronously, to ensure the node is actually
// reachable, and an error is returned if that fails. The rest are created in
// the background.
func (cfg PoolConfig) New(ctx context.Context, addr Addr) (*Pool, error) {
	p := &Pool{
		cfg:  cfg.withDefaults(),
		addr: addr,
		proc: proc.New(),
	}

	totalSize := p.cfg.Size + p.cfg.OverflowBufferSize
	p.pool = make(chan *poolConn, totalSize)

	startTime := time.Now()
	pc, err := p.newConn(ctx, false, trace.PoolConnCreatedReasonInitialization)
	if err != nil {
		return nil, ErrPoolOpenFailure.Wrap(err, "opening pool to %s", addr)
	}
	p.put(pc)

	p.proc.Run(func(ctx context.Context) {
		for i := 0; i < p.cfg.Size-1; i++ {
			pc, err := p.newConn(ctx, true, trace.PoolConnCreatedReasonInitialization)
			if err != nil {
				// the refill process will make up for anything which failed
				// here
				continue
			}
			p.put(pc)
		}
		p.traceInitCompleted(time.Since(startTime))
	})

	if p.cfg.PingInterval > 0 && p.cfg.Size > 0 {
		p.atIntervalDo(p.cfg.PingInterval, p.doPing)
	}
	if p.cfg.RefillInterval > 0 && p.cfg.Size > 0 {
		p.atIntervalDo(p.cfg.RefillInterval, p.doRefill)
	}
	if p.cfg.OverflowBufferSize > 0 && p.cfg.OverflowDrainInterval > 0 {
		p.atIntervalDo(p.cfg.OverflowDrainInterval, p.doOverflowDrain)
	}
	return p, nil
}

// Func returns a PoolFunc which creates Pools using this config, for use in
// ManagerConfig.
func (cfg PoolConfig) Func() PoolFunc {
	return func(ctx context.Context, addr Addr) (Client, error) {
		p, err := cfg.New(ctx, addr)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func (p *Pool) traceCommon() trace.PoolCommon {
	return trace.PoolCommon{
		Addr:               p.addr.String(),
		PoolSize:           p.cfg.Size,
		OverflowBufferSize: p.cfg.OverflowBufferSize,
		AvailCount:         len(p.pool),
	}
}

func (p *Pool) traceInitCompleted(elapsed time.Duration) {
	if p.cfg.Trace.InitCompleted != nil {
		p.cfg.Trace.InitCompleted(trace.PoolInitCompleted{
			PoolCommon:  p.traceCommon(),
			ElapsedTime: elapsed,
		})
	}
}

func (p *Pool) traceConnCreated(
	ctx context.Context,
	connectTime time.Duration,
	reason trace.PoolConnCreatedReason,
	err error,
) {
	if p.cfg.Trace.ConnCreated != nil {
		p.cfg.Trace.ConnCreated(trace.PoolConnCreated{
			PoolCommon:  p.traceCommon(),
			Context:     ctx,
			Reason:      reason,
			ConnectTime: connectTime,
			Err:         err,
		})
	}
}

func (p *Pool) traceConnClosed(reason trace.PoolConnClosedReason) {
	if p.cfg.Trace.ConnClosed != nil {
		p.cfg.Trace.ConnClosed(trace.PoolConnClosed{
			PoolCommon: p.traceCommon(),
			Reason:     reason,
		})
	}
}

// this must always be called with p.l unlocked
func (p *Pool) newConn(
	ctx context.Context, errIfFull bool, reason trace.PoolConnCreatedReason,
) (*poolConn, error) {
	start := time.Now()
	c, err := p.cfg.Dial(ctx, "tcp", p.addr.String())
	p.traceConnCreated(ctx, time.Since(start), reason, err)
	if err != nil {
		return nil, err
	}
	pc := &poolConn{Conn: c}

	// We don't want to wrap the entire function in a lock because dialing might
	// take a while, but we also don't want to be making any new connections if
	// the pool is closed
	p.l.Lock()
	if p.closed {
		p.l.Unlock()
		pc.Conn.Close()
		p.traceConnClosed(trace.PoolConnClosedReasonPoolClosed)
		return nil, ErrClosed.New("pool to %s is closed", p.addr)
	} else if errIfFull && p.totalConns >= p.cfg.Size {
		p.l.Unlock()
		pc.Conn.Close()
		p.traceConnClosed(trace.PoolConnClosedReasonPoolFull)
		return nil, errPoolFull
	}
	p.totalConns++
	p.l.Unlock()

	return pc, nil
}

var errPoolFull = ErrPoolExhausted.New("connection pool is full")

func (p *Pool) atIntervalDo(d time.Duration, do func(context.Context)) {
	p.proc.Run(func(ctx context.Context) {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				do(ctx)
			case <-ctx.Done():
				return
			}
		}
	})
}

// doPing pings a single idle connection, if there is one. A connection which
// fails the ping will have a non-nil Err and be discarded by put.
func (p *Pool) doPing(ctx context.Context) {
	pc := p.tryGetExisting()
	if pc == nil {
		return
	}
	pc.Conn.Do("PING")
	p.put(pc)
}

func (p *Pool) doRefill(ctx context.Context) {
	// this is a preliminary check to see if more conns are needed. Technically
	// it's not needed, as newConn will do the same one, but it will also incur
	// creating a connection and fully locking the mutex. We can handle the
	// majority of cases here with a much less expensive read-lock.
	p.l.RLock()
	if p.closed || p.totalConns >= p.cfg.Size {
		p.l.RUnlock()
		return
	}
	p.l.RUnlock()

	pc, err := p.newConn(ctx, true, trace.PoolConnCreatedReasonRefill)
	if err == nil {
		p.put(pc)
	}
}

func (p *Pool) doOverflowDrain(context.Context) {
	// the other do* processes inherently handle this case, this one needs to do
	// it manually
	p.l.RLock()
	if p.closed || len(p.pool) <= p.cfg.Size {
		p.l.RUnlock()
		return
	}

	// pop a connection off and close it, if there's any to pop off
	var pc *poolConn
	select {
	case pc = <-p.pool:
	default:
		// pool is empty, nothing to drain
	}
	p.l.RUnlock()

	if pc == nil {
		return
	}

	pc.Conn.Close()
	p.l.Lock()
	p.totalConns--
	p.l.Unlock()
	p.traceConnClosed(trace.PoolConnClosedReasonBufferDrain)
}

// tryGetExisting returns an idle connection, or nil if there are none.
func (p *Pool) tryGetExisting() *poolConn {
	p.l.RLock()
	defer p.l.RUnlock()
	if p.closed {
		return nil
	}
	select {
	case pc := <-p.pool:
		return pc
	default:
		return nil
	}
}

func (p *Pool) getExisting(ctx context.Context) (*poolConn, error) {
	// Fast-path if the pool is not empty. Return error if pool has been closed.
	p.l.RLock()
	if p.closed {
		p.l.RUnlock()
		return nil, ErrClosed.New("pool to %s is closed", p.addr)
	}
	select {
	case pc := <-p.pool:
		p.l.RUnlock()
		return pc, nil
	default:
	}
	p.l.RUnlock()

	// only set when we have a timeout, since a nil channel always blocks which
	// is what we want
	var tc <-chan time.Time
	if p.cfg.OnEmptyWait > 0 {
		t := getTimer(p.cfg.OnEmptyWait)
		defer putTimer(t)
		tc = t.C
	}

	// the lock isn't held while waiting, so that Close doesn't block on
	// waiting Gets. A closed pool channel means the pool was closed.
	select {
	case pc, ok := <-p.pool:
		if !ok {
			return nil, ErrClosed.New("pool to %s is closed", p.addr)
		}
		return pc, nil
	case <-tc:
		if p.cfg.OnEmptyErr {
			return nil, ErrPoolExhausted.New("no connection to %s available after %v", p.addr, p.cfg.OnEmptyWait)
		}
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) get(ctx context.Context) (*poolConn, error) {
	pc, err := p.getExisting(ctx)
	if err != nil {
		return nil, err
	} else if pc != nil {
		return pc, nil
	}

	// at this point everything is unlocked and the conn needs to be created.
	// newConn will handle checking if the pool has been closed since the inner
	// was called.
	return p.newConn(ctx, false, trace.PoolConnCreatedReasonPoolEmpty)
}

func (p *Pool) put(pc *poolConn) {
	p.l.RLock()
	broken := pc.Conn.Err() != nil
	if !broken && !p.closed {
		select {
		case p.pool <- pc:
			p.l.RUnlock()
			return
		default:
		}
	}
	closed := p.closed
	p.l.RUnlock()

	// the pool might close here, but that's fine, because all that's happening
	// at this point is that the connection is being closed
	pc.Conn.Close()
	p.l.Lock()
	p.totalConns--
	p.l.Unlock()

	switch {
	case closed:
		p.traceConnClosed(trace.PoolConnClosedReasonPoolClosed)
	case broken:
		p.traceConnClosed(trace.PoolConnClosedReasonConnErr)
	default:
		p.traceConnClosed(trace.PoolConnClosedReasonPoolFull)
	}
}

// Addr implements the method for the Client interface.
func (p *Pool) Addr() Addr {
	return p.addr
}

// Get implements the method for the Client interface. Depending on the
// config Get may block until a connection is available, create a new one, or
// return ErrPoolExhausted. It never blocks past the Context being done.
func (p *Pool) Get(ctx context.Context) (redis.Conn, error) {
	pc, err := p.get(ctx)
	if err != nil {
		return nil, err
	}
	return &activeConn{pc: pc, p: p}, nil
}

// NumConns implements the method for the Client interface.
func (p *Pool) NumConns() int {
	p.l.RLock()
	defer p.l.RUnlock()
	return p.totalConns
}

// NumAvailConns returns the number of connections currently available in the
// pool, as well as in the overflow buffer if that option is enabled.
func (p *Pool) NumAvailConns() int {
	return len(p.pool)
}

// Close implements the method for the Client interface.
func (p *Pool) Close() error {
	p.l.Lock()
	if p.closed {
		p.l.Unlock()
		return ErrClosed.New("pool to %s is already closed", p.addr)
	}
	p.closed = true

	// at this point get and put won't work anymore, so it's safe to empty and
	// close the pool channel
	var n int
emptyLoop:
	for {
		select {
		case pc := <-p.pool:
			pc.Conn.Close()
			p.totalConns--
			n++
		default:
			close(p.pool)
			break emptyLoop
		}
	}
	p.l.Unlock()

	for i := 0; i < n; i++ {
		p.traceConnClosed(trace.PoolConnClosedReasonPoolClosed)
	}

	// the background go-routines check closed before doing anything, wait for
	// them to notice
	return p.proc.Close(nil)
}
