// Package proc implements a lightweight pattern for setting up and tearing
// down go-routines cleanly and consistently.
package proc

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned from Close and the With* methods once the Proc has
// been closed.
var ErrClosed = errors.New("previously closed")

// Proc owns a context which is cancelled when Close is called, along with all
// go-routines spawned via Run.
type Proc struct {
	ctx         context.Context
	ctxCancelFn context.CancelFunc
	ctxDoneCh   <-chan struct{}

	closeOnce sync.Once
	closed    bool
	wg        sync.WaitGroup

	lock sync.RWMutex
}

// New initializes and returns a Proc.
func New() *Proc {
	ctx, cancel := context.WithCancel(context.Background())
	return &Proc{
		ctx:         ctx,
		ctxCancelFn: cancel,
		ctxDoneCh:   ctx.Done(),
	}
}

// Ctx returns the Proc's context, which is cancelled as soon as Close is
// called.
func (p *Proc) Ctx() context.Context {
	return p.ctx
}

// Run spawns a go-routine which calls fn with the Proc's context. Close will
// block until fn returns.
func (p *Proc) Run(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

// Close cancels the context, waits for all Run go-routines to return, and
// then calls fn (if not nil) while holding the write lock. Subsequent calls
// return ErrClosed.
func (p *Proc) Close(fn func() error) error {
	return p.PrefixedClose(nil, fn)
}

// PrefixedClose is like Close, but prefixFn is called before the context is
// cancelled.
func (p *Proc) PrefixedClose(prefixFn, fn func() error) error {
	err := ErrClosed
	p.closeOnce.Do(func() {
		err = nil
		if prefixFn != nil {
			err = prefixFn()
		}
		p.ctxCancelFn()
		p.wg.Wait()
		p.lock.Lock()
		defer p.lock.Unlock()
		p.closed = true
		if fn != nil {
			if fnErr := fn(); err == nil {
				err = fnErr
			}
		}
	})
	return err
}

// ClosedCh returns a channel which is closed once Close has been called.
func (p *Proc) ClosedCh() <-chan struct{} {
	return p.ctxDoneCh
}

// IsClosed returns true once Close has been called, even if it has not yet
// returned.
func (p *Proc) IsClosed() bool {
	select {
	case <-p.ctxDoneCh:
		return true
	default:
		return false
	}
}

// WithRLock calls fn while holding the read lock, unless the Proc has been
// closed.
func (p *Proc) WithRLock(fn func() error) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return fn()
}

// WithLock calls fn while holding the write lock, unless the Proc has been
// closed.
func (p *Proc) WithLock(fn func() error) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return ErrClosed
	}
	return fn()
}
