package replset

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mediocregopher/replset/trace"
)

// RefreshMode determines when a Manager refreshes its topology.
type RefreshMode int

// All possible values of RefreshMode.
const (
	// RefreshManual means the topology is only refreshed when Refresh is
	// called. This is the default.
	RefreshManual RefreshMode = iota

	// RefreshOff behaves the same as RefreshManual. It exists to distinguish
	// configurations which never intend to call Refresh.
	RefreshOff

	// RefreshPeriodic causes a background go-routine to call Refresh every
	// ManagerConfig.RefreshInterval, until the Manager is closed.
	RefreshPeriodic
)

func (m RefreshMode) String() string {
	switch m {
	case RefreshOff:
		return "off"
	case RefreshPeriodic:
		return "periodic"
	default:
		return "manual"
	}
}

// ParseRefreshMode parses the string form of a RefreshMode. Besides the
// values returned by RefreshMode.String, "false" is accepted for RefreshOff,
// "sync" for RefreshManual and "async" for RefreshPeriodic. The empty string
// parses as RefreshManual.
func ParseRefreshMode(s string) (RefreshMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual", "sync":
		return RefreshManual, nil
	case "off", "false":
		return RefreshOff, nil
	case "periodic", "async":
		return RefreshPeriodic, nil
	default:
		return 0, ErrInvalidConfig.New("unknown refresh mode %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler, so RefreshMode can be
// used directly in config files.
func (m *RefreshMode) UnmarshalText(b []byte) error {
	mode, err := ParseRefreshMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m RefreshMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

////////////////////////////////////////////////////////////////////////////////

// dedupe is used to deduplicate a function invocation, so if multiple
// go-routines call it at the same time only the first will actually run it, and
// the others will block until that one is done and share its result.
type dedupe struct {
	l     sync.Mutex
	call  *dedupeCall
	calls uint64 // number of times fn has actually been run, for tests
}

type dedupeCall struct {
	doneCh chan struct{}
	err    error
}

func (d *dedupe) start() (*dedupeCall, bool) {
	d.l.Lock()
	defer d.l.Unlock()
	if d.call != nil {
		return d.call, false
	}
	d.call = &dedupeCall{doneCh: make(chan struct{})}
	d.calls++
	return d.call, true
}

func (d *dedupe) finish(call *dedupeCall, err error) {
	d.l.Lock()
	d.call = nil
	d.l.Unlock()
	call.err = err
	close(call.doneCh)
}

// do runs fn, unless a call is already in flight, in which case it waits for
// that call and returns its error. Waiting stops early if ctx is done.
func (d *dedupe) do(ctx context.Context, fn func() error) error {
	call, owner := d.start()
	if owner {
		err := fn()
		d.finish(call, err)
		return err
	}

	select {
	case <-call.doneCh:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryDo runs fn only if no call is already in flight. The returned bool
// indicates whether fn was run.
func (d *dedupe) tryDo(fn func() error) (bool, error) {
	call, owner := d.start()
	if !owner {
		return false, nil
	}
	err := fn()
	d.finish(call, err)
	return true, err
}

////////////////////////////////////////////////////////////////////////////////

// refreshEvery calls refresh on an interval until the Manager is closed. A
// tick which happens while a refresh is in flight is dropped.
func (m *Manager) refreshEvery(d time.Duration) {
	m.proc.Run(func(ctx context.Context) {
		t := time.NewTicker(d)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				ran, err := m.refreshDedupe.tryDo(func() error {
					return m.refresh(ctx, trace.ManagerRefreshReasonPeriodic)
				})
				if ran && err != nil && ctx.Err() == nil {
					m.err(err)
				}
			case <-ctx.Done():
				return
			}
		}
	})
}
