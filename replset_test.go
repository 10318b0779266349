package replset

import (
	"context"
	"errors"
	"sync"
	. "testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mediocregopher/mediocre-go-lib/mrand"
)

var (
	testCtxs  = map[TB]context.Context{}
	testCtxsL sync.Mutex
)

func testCtx(tb TB) context.Context {
	tb.Helper()

	testCtxsL.Lock()
	defer testCtxsL.Unlock()

	if ctx, ok := testCtxs[tb]; ok {
		return ctx
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	tb.Cleanup(cancel)
	testCtxs[tb] = ctx
	return ctx
}

func randAddr() Addr {
	return Addr{Host: mrand.Hex(4) + ".test", Port: 1024 + mrand.Intn(60000)}
}

////////////////////////////////////////////////////////////////////////////////

// fakeConn is an in-memory redis.Conn. Commands are answered by handler,
// which defaults to answering PING.
type fakeConn struct {
	l       sync.Mutex
	err     error
	closeCh chan struct{}
	handler func(c *fakeConn, cmd string, args ...interface{}) (interface{}, error)
	recv    []interface{}
}

var _ redis.Conn = new(fakeConn)

func newFakeConn(
	handler func(c *fakeConn, cmd string, args ...interface{}) (interface{}, error),
) *fakeConn {
	return &fakeConn{closeCh: make(chan struct{}), handler: handler}
}

func (c *fakeConn) setErr(err error) {
	c.l.Lock()
	defer c.l.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *fakeConn) Close() error {
	c.l.Lock()
	defer c.l.Unlock()
	select {
	case <-c.closeCh:
		return nil
	default:
	}
	close(c.closeCh)
	if c.err == nil {
		c.err = errors.New("fakeConn closed")
	}
	return nil
}

func (c *fakeConn) Err() error {
	c.l.Lock()
	defer c.l.Unlock()
	return c.err
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	if c.handler != nil {
		return c.handler(c, cmd, args...)
	}
	switch cmd {
	case "PING":
		return "PONG", nil
	case "ECHO":
		return args[0], nil
	default:
		return nil, redis.Error("ERR unknown command '" + cmd + "'")
	}
}

func (c *fakeConn) Send(cmd string, args ...interface{}) error {
	reply, err := c.Do(cmd, args...)
	if err != nil {
		return err
	}
	c.l.Lock()
	defer c.l.Unlock()
	c.recv = append(c.recv, reply)
	return nil
}

func (c *fakeConn) Flush() error {
	return c.Err()
}

func (c *fakeConn) Receive() (interface{}, error) {
	c.l.Lock()
	defer c.l.Unlock()
	if len(c.recv) == 0 {
		return nil, errors.New("nothing to receive")
	}
	reply := c.recv[0]
	c.recv = c.recv[1:]
	return reply, nil
}
