package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	. "testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gomodule/redigo/redis"
	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/replset"
	"github.com/mediocregopher/replset/contrib/metrics/vm"
	"github.com/mediocregopher/replset/trace"
)

type fakeClient struct {
	addr   replset.Addr
	closed atomic.Bool
}

func (fc *fakeClient) Addr() replset.Addr { return fc.addr }

func (fc *fakeClient) Get(context.Context) (redis.Conn, error) {
	return nil, errors.New("fakeClient has no connections")
}

func (fc *fakeClient) NumConns() int {
	if fc.closed.Load() {
		return 0
	}
	return 1
}

func (fc *fakeClient) Close() error {
	fc.closed.Store(true)
	return nil
}

func fakePoolFunc(_ context.Context, addr replset.Addr) (replset.Client, error) {
	return &fakeClient{addr: addr}, nil
}

func testLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, nil))
}

func TestNewManagerRetries(t *T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seed := replset.Addr{Host: "127.0.0.1", Port: 6379}
	var probes atomic.Int64
	cfg := replset.ManagerConfig{
		PoolFunc: fakePoolFunc,
		Prober: replset.ProbeFunc(func(_ context.Context, addr replset.Addr) (replset.NodeStatus, error) {
			if probes.Add(1) < 3 {
				return replset.NodeStatus{}, errors.New("connection refused")
			}
			return replset.NodeStatus{
				Reachable: true,
				Role:      replset.RolePrimary,
				Peers:     []replset.Addr{addr},
			}, nil
		}),
	}

	logBuf := new(bytes.Buffer)
	m, err := newManager(ctx, testLogger(logBuf), cfg, []replset.Addr{seed}, 10*time.Millisecond)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, int64(3), probes.Load())
	assert.Equal(t, 2, bytes.Count(logBuf.Bytes(), []byte("Replica set unavailable")))

	buf := new(bytes.Buffer)
	writeTopo(buf, m.Topo())
	assert.Contains(t, buf.String(), "primary     127.0.0.1:6379")

	logBuf.Reset()
	logTopo(testLogger(logBuf), m.Topo())
	assert.Contains(t, logBuf.String(), "generation=1 primary=127.0.0.1:6379")
}

func TestNewManagerGivesUp(t *T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cfg := replset.ManagerConfig{
		PoolFunc: fakePoolFunc,
		Prober: replset.ProbeFunc(func(context.Context, replset.Addr) (replset.NodeStatus, error) {
			return replset.NodeStatus{}, errors.New("connection refused")
		}),
	}
	_, err := newManager(ctx, testLogger(io.Discard), cfg, []replset.Addr{{Host: "127.0.0.1", Port: 6379}}, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// non-retryable errors are returned immediately
	_, err = newManager(context.Background(), testLogger(io.Discard), replset.ManagerConfig{ProbeTimeout: -1}, nil, time.Hour)
	assert.True(t, errorx.IsOfType(err, replset.ErrInvalidConfig), "%v", err)
}

func TestManagerTraceWrapping(t *T) {
	collector := vm.New(vm.WithMetricsSet(metrics.NewSet()))
	logBuf := new(bytes.Buffer)
	mt := managerTrace(testLogger(logBuf), collector)
	mt.TopoChanged(trace.ManagerTopoChanged{})
	mt.ProbeFailed(trace.ManagerProbeFailed{
		ManagerCommon: trace.ManagerCommon{ID: "abc", Generation: 4},
		Addr:          "127.0.0.1:6379",
		Err:           errors.New("nope"),
	})
	mt.PrimaryConflict(trace.ManagerPrimaryConflict{})

	assert.Contains(t, logBuf.String(), `msg="Node unusable" id=abc generation=4 addr=127.0.0.1:6379 err=nope`)
	assert.Contains(t, logBuf.String(), `msg="Topology changed"`)
	assert.Contains(t, logBuf.String(), `msg="Multiple primaries claimed"`)

	buf := new(bytes.Buffer)
	collector.WritePrometheus(buf)
	assert.Contains(t, buf.String(), "replset_topo_changes_total 1")
	assert.Contains(t, buf.String(), "replset_probe_failures_total 1")
	assert.Contains(t, buf.String(), "replset_primary_conflicts_total 1")
}
