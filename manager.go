package replset

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/mediocregopher/replset/internal/proc"
	"github.com/mediocregopher/replset/trace"
)

// SeedStore persists the addresses of known replica set members, so that a
// Manager created later can find members which were added after its seed
// addresses were configured. See the seedcache package for an implementation.
type SeedStore interface {
	// LoadSeeds returns all stored addresses. It returns an empty slice, not
	// an error, if nothing has been stored yet.
	LoadSeeds() ([]Addr, error)

	// SaveSeeds replaces the stored addresses.
	SaveSeeds([]Addr) error
}

// ManagerConfig is used to create Manager instances with particular settings.
// All fields are optional, all methods are thread-safe.
type ManagerConfig struct {
	// Prober is used to determine the role of each node and the membership
	// of the replica set.
	//
	// Defaults to RedisProber{}.
	Prober Prober

	// PoolFunc is used to open a Client to each primary and secondary node.
	//
	// Defaults to PoolConfig{}.Func().
	PoolFunc PoolFunc

	// RefreshMode determines whether the topology is refreshed periodically in
	// the background, or only when Refresh is called.
	//
	// Defaults to RefreshManual.
	RefreshMode RefreshMode

	// RefreshInterval is how often the topology is refreshed when RefreshMode
	// is RefreshPeriodic.
	//
	// Defaults to 30 seconds.
	RefreshInterval time.Duration

	// ProbeTimeout is the longest a single probe, or the opening of a single
	// Client, may take. A node which takes longer is treated as unreachable
	// for that refresh.
	//
	// Defaults to 5 seconds.
	ProbeTimeout time.Duration

	// ProbeConcurrency is the maximum number of nodes probed at once.
	//
	// Defaults to 16.
	ProbeConcurrency int

	// AllowNoPrimary allows creating a Manager when no primary can be found,
	// as long as at least one node is reachable. Otherwise creation fails
	// with ErrConnectionFailure.
	AllowNoPrimary bool

	// SeedStore, if set, is used to load additional seed addresses when the
	// Manager is created, and is updated with the membership of the replica
	// set whenever it changes.
	SeedStore SeedStore

	// ErrChSize is the buffer size of the Manager's ErrCh.
	//
	// Defaults to 1.
	ErrChSize int

	// Trace contains callbacks that a Manager can use to trace itself.
	//
	// All callbacks are blocking.
	Trace trace.ManagerTrace
}

func (cfg ManagerConfig) withDefaults() ManagerConfig {
	if cfg.Prober == nil {
		cfg.Prober = RedisProber{}
	}
	if cfg.PoolFunc == nil {
		cfg.PoolFunc = PoolConfig{}.Func()
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ProbeConcurrency == 0 {
		cfg.ProbeConcurrency = 16
	}
	if cfg.ErrChSize == 0 {
		cfg.ErrChSize = 1
	}
	return cfg
}

// Manager keeps track of the topology of a replica set with a single writable
// primary and any number of read-only secondaries, and holds a Client to each
// of them.
//
// The topology is held as an immutable *Topo which is replaced wholesale on
// every refresh. Accessor methods never block on network I/O, and always
// reflect the last successful refresh. All methods on Manager are
// thread-safe.
type Manager struct {
	id    string
	cfg   ManagerConfig
	seeds []Addr
	proc  *proc.Proc
	sema  semaphore

	// used to deduplicate calls to refresh
	refreshDedupe *dedupe

	topo atomic.Pointer[Topo]

	// Any errors encountered internally, e.g. during a periodic refresh, will
	// be written to this channel. If nothing is reading the channel the
	// errors will be dropped. The channel will be closed when Close is called.
	ErrCh chan error
}

// NewManager calls New on a zero-value ManagerConfig.
func NewManager(ctx context.Context, seeds []Addr) (*Manager, error) {
	return ManagerConfig{}.New(ctx, seeds)
}

// New initializes and returns a Manager instance. It probes the seed
// addresses, and every member they report, in order to discover the replica
// set's topology, and opens Clients to the primary and all secondaries. The
// seeds don't need to include every member of the replica set.
//
// New returns an error of type ErrConnectionFailure if none of the nodes
// could be reached, or if no primary was found and AllowNoPrimary isn't set.
// Such errors are expected while the replica set is partially down, and the
// caller may retry (see IsRetryable).
//
// If RefreshMode is RefreshPeriodic a background go-routine is spawned which
// refreshes the topology until Close is called.
func (cfg ManagerConfig) New(ctx context.Context, seeds []Addr) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.RefreshMode == RefreshPeriodic && cfg.RefreshInterval < 0 {
		return nil, ErrInvalidConfig.New("negative refresh interval %v", cfg.RefreshInterval)
	} else if cfg.ProbeTimeout < 0 {
		return nil, ErrInvalidConfig.New("negative probe timeout %v", cfg.ProbeTimeout)
	} else if cfg.ProbeConcurrency < 0 {
		return nil, ErrInvalidConfig.New("negative probe concurrency %d", cfg.ProbeConcurrency)
	} else if cfg.ErrChSize < 0 {
		return nil, ErrInvalidConfig.New("negative error channel size %d", cfg.ErrChSize)
	}

	m := &Manager{
		id:            uuid.NewString(),
		cfg:           cfg,
		proc:          proc.New(),
		sema:          newSemaphore(cfg.ProbeConcurrency),
		refreshDedupe: new(dedupe),
		ErrCh:         make(chan error, cfg.ErrChSize),
	}

	m.seeds = append(m.seeds, seeds...)
	if cfg.SeedStore != nil {
		stored, err := cfg.SeedStore.LoadSeeds()
		if err != nil {
			m.err(err)
		}
		m.seeds = append(m.seeds, stored...)
	}
	m.seeds = sortAddrs(m.seeds)
	if len(m.seeds) == 0 {
		m.Close()
		return nil, ErrInvalidConfig.New("no seed addresses given")
	}

	if err := m.refresh(ctx, trace.ManagerRefreshReasonInit); err != nil {
		m.Close()
		return nil, err
	}

	if _, ok := m.Topo().Primary(); !ok && !cfg.AllowNoPrimary {
		m.Close()
		return nil, ErrConnectionFailure.New("no primary found using seeds %v", m.seeds)
	}

	if cfg.RefreshMode == RefreshPeriodic {
		m.refreshEvery(cfg.RefreshInterval)
	}
	return m, nil
}

func (m *Manager) err(err error) {
	// the read lock ensures ErrCh isn't closed while writing to it
	m.proc.WithRLock(func() error {
		select {
		case m.ErrCh <- err:
		default:
		}
		return nil
	})
}

// ID returns a unique identifier for this Manager, which is also passed into
// all of its trace callbacks.
func (m *Manager) ID() string {
	return m.id
}

// Seeds returns the seed addresses the Manager was created with, including
// any loaded from the SeedStore. They are used when none of the currently
// known members are reachable.
func (m *Manager) Seeds() []Addr {
	return slices.Clone(m.seeds)
}

// Topo returns the current topology. The returned Topo never changes, even if
// the Manager refreshes in the meantime.
func (m *Manager) Topo() *Topo {
	return m.topo.Load()
}

// PrimaryPool returns the Client for the current primary, or nil if no primary
// is currently known.
func (m *Manager) PrimaryPool() Client {
	return m.Topo().PrimaryPool()
}

// SecondaryPools returns the Clients for all current secondaries.
func (m *Manager) SecondaryPools() []Client {
	return m.Topo().SecondaryPools()
}

// SecondaryAddrs returns the addresses of all current secondaries.
func (m *Manager) SecondaryAddrs() []Addr {
	return m.Topo().Secondaries()
}

// ReadPool returns the Client reads should go to: a secondary's if there are
// any secondaries, otherwise the primary's.
func (m *Manager) ReadPool() Client {
	return m.Topo().ReadPool()
}

// IsConnected returns true if at least one of the current Clients holds at
// least one live connection.
func (m *Manager) IsConnected() bool {
	return m.Topo().IsConnected()
}

// Refresh re-discovers the replica set's topology and swaps it in as the
// current one. Clients for nodes which are still present are kept, Clients for
// nodes which are gone are closed.
//
// Only one refresh happens at a time. If a refresh is already in progress
// Refresh waits for it to complete and returns its result.
//
// If none of the known nodes, nor the seeds, can be reached, an error of type
// ErrConnectionFailure is returned and the current topology is kept.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.proc.IsClosed() {
		return ErrClosed.New("manager is closed")
	}
	return m.refreshDedupe.do(ctx, func() error {
		return m.refresh(ctx, trace.ManagerRefreshReasonManual)
	})
}

// Close stops the periodic refresh, if any, abandons any refresh in progress,
// and closes all Clients.
func (m *Manager) Close() error {
	err := m.proc.Close(func() error {
		close(m.ErrCh)
		t := m.topo.Load()
		if t == nil {
			return nil
		}
		var err error
		for _, p := range t.pools {
			if pErr := p.Close(); err == nil && pErr != nil {
				err = pErr
			}
		}
		return err
	})
	if err == proc.ErrClosed {
		return ErrClosed.New("manager is already closed")
	}
	return err
}

////////////////////////////////////////////////////////////////////////////////

func (m *Manager) traceCommon(gen uint64) trace.ManagerCommon {
	return trace.ManagerCommon{ID: m.id, Generation: gen}
}

func (m *Manager) traceRefreshDone(done trace.ManagerRefreshDone) {
	if m.cfg.Trace.RefreshDone != nil {
		m.cfg.Trace.RefreshDone(done)
	}
}

func (m *Manager) traceTopoChanged(tc trace.ManagerTopoChanged) {
	if m.cfg.Trace.TopoChanged != nil {
		m.cfg.Trace.TopoChanged(tc)
	}
}

func (m *Manager) traceProbeFailed(gen uint64, addr Addr, err error) {
	if m.cfg.Trace.ProbeFailed != nil {
		m.cfg.Trace.ProbeFailed(trace.ManagerProbeFailed{
			ManagerCommon: m.traceCommon(gen),
			Addr:          addr.String(),
			Err:           err,
		})
	}
}

func (m *Manager) tracePrimaryConflict(gen uint64, claimants []string, chosen Addr) {
	if m.cfg.Trace.PrimaryConflict != nil {
		m.cfg.Trace.PrimaryConflict(trace.ManagerPrimaryConflict{
			ManagerCommon: m.traceCommon(gen),
			Claimants:     claimants,
			Chosen:        chosen.String(),
		})
	}
}

// refresh performs discovery and swaps in the result. It is not deduplicated,
// callers should go through refreshDedupe.
func (m *Manager) refresh(ctx context.Context, reason trace.ManagerRefreshReason) error {
	// abandon the refresh as soon as Close is called
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.proc.Ctx(), cancel)
	defer stop()

	start := time.Now()
	prev := m.topo.Load()
	var prevGen uint64
	if prev != nil {
		prevGen = prev.gen
	}

	d, err := m.discover(ctx, prev)
	done := trace.ManagerRefreshDone{
		ManagerCommon: m.traceCommon(prevGen),
		Reason:        reason,
		Probed:        d.probed,
		Reachable:     d.reachable,
	}
	if err == nil {
		err = m.swap(prev, d)
	}

	if err == nil {
		done.Generation = d.topo.gen
		done.Changed = !prev.Equal(d.topo)
		if done.Changed {
			tc := prev.diff(d.topo)
			tc.ManagerCommon = m.traceCommon(d.topo.gen)
			m.traceTopoChanged(tc)
		}
		if m.cfg.SeedStore != nil && (done.Changed || prev == nil) {
			if sErr := m.cfg.SeedStore.SaveSeeds(d.topo.Members()); sErr != nil {
				m.err(sErr)
			}
		}
	}

	done.ElapsedTime = time.Since(start)
	done.Err = err
	m.traceRefreshDone(done)
	return err
}

// swap makes the discovered Topo the current one, and closes the Clients which
// it no longer uses. If the Manager has been closed in the meantime the
// discovered Topo is discarded instead, along with any Clients opened for it.
func (m *Manager) swap(prev *Topo, d discovery) error {
	err := m.proc.WithLock(func() error {
		if m.proc.IsClosed() {
			return proc.ErrClosed
		}
		m.topo.Store(d.topo)
		return nil
	})
	if err != nil {
		for _, p := range d.opened {
			p.Close()
		}
		return ErrClosed.New("manager closed during refresh")
	}

	if prev != nil {
		for addr, p := range prev.pools {
			if d.topo.pools[addr] != p {
				p.Close()
			}
		}
	}
	return nil
}
