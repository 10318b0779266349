package replset

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/mediocregopher/replset/trace"
)

// Topo is an immutable snapshot of a replica set's topology: which node is
// primary, which are secondaries, and the Client bound to each of them. A Topo
// never changes once created; Manager replaces its current Topo wholesale on
// every refresh, so a Topo obtained from a Manager stays internally consistent
// for as long as it's held.
//
// A Topo's Clients are owned by the Manager which created it and may be closed
// once the Topo has been replaced.
type Topo struct {
	gen     uint64
	created time.Time

	primary     Addr
	primaryPool Client

	// secondaries is sorted by address, and has the same length as
	// secondaryPools.
	secondaries    []Addr
	secondaryPools []Client

	arbiters    []Addr
	unavailable []Addr

	pools map[Addr]Client
}

type topoNode struct {
	addr Addr
	pool Client
}

// newTopo constructs a Topo, panicking with an ErrInvariant if the given nodes
// would result in an invalid Topo. primary may have a zero addr.
func newTopo(
	gen uint64,
	primary topoNode,
	secondaries []topoNode,
	arbiters, unavailable []Addr,
) *Topo {
	t := &Topo{
		gen:         gen,
		created:     time.Now(),
		primary:     primary.addr,
		primaryPool: primary.pool,
		arbiters:    sortAddrs(slices.Clone(arbiters)),
		unavailable: sortAddrs(slices.Clone(unavailable)),
		pools:       make(map[Addr]Client, len(secondaries)+1),
	}

	if primary.addr.IsZero() != (primary.pool == nil) {
		panic(ErrInvariant.New("primary %s has pool %v", primary.addr, primary.pool))
	} else if !primary.addr.IsZero() {
		t.pools[primary.addr] = primary.pool
	}

	secondaries = slices.Clone(secondaries)
	slices.SortFunc(secondaries, func(a, b topoNode) int {
		return compareAddrs(a.addr, b.addr)
	})
	for _, s := range secondaries {
		if s.addr.IsZero() || s.pool == nil {
			panic(ErrInvariant.New("secondary %s has pool %v", s.addr, s.pool))
		} else if s.addr == primary.addr {
			panic(ErrInvariant.New("%s is both primary and secondary", s.addr))
		} else if _, ok := t.pools[s.addr]; ok {
			panic(ErrInvariant.New("secondary %s given more than once", s.addr))
		}
		t.pools[s.addr] = s.pool
		t.secondaries = append(t.secondaries, s.addr)
		t.secondaryPools = append(t.secondaryPools, s.pool)
	}

	for _, addr := range t.arbiters {
		if _, ok := t.pools[addr]; ok {
			panic(ErrInvariant.New("arbiter %s is also a data node", addr))
		}
	}
	return t
}

// Generation returns a number which increases by one with every Topo a
// Manager swaps in. The Topo created by NewManager has generation 1.
func (t *Topo) Generation() uint64 {
	return t.gen
}

// Created returns the time the Topo was created.
func (t *Topo) Created() time.Time {
	return t.created
}

// Primary returns the address of the primary node, and false if there is no
// primary currently known.
func (t *Topo) Primary() (Addr, bool) {
	return t.primary, !t.primary.IsZero()
}

// PrimaryPool returns the Client for the primary node, or nil if there is no
// primary currently known.
func (t *Topo) PrimaryPool() Client {
	return t.primaryPool
}

// Secondaries returns the addresses of all secondary nodes, sorted. The
// returned slice must not be modified.
func (t *Topo) Secondaries() []Addr {
	return t.secondaries
}

// SecondaryPools returns the Clients for all secondary nodes, in the same
// order as Secondaries. The returned slice must not be modified.
func (t *Topo) SecondaryPools() []Client {
	return t.secondaryPools
}

// Arbiters returns the addresses of all known nodes which hold no data, and
// for which no Client is ever created.
func (t *Topo) Arbiters() []Addr {
	return t.arbiters
}

// Unavailable returns the addresses of nodes which were reported as members
// of the replica set but which could not be used when the Topo was created,
// e.g. because they were down. They are re-probed on the next refresh.
func (t *Topo) Unavailable() []Addr {
	return t.unavailable
}

// Pool returns the Client for the given address, or nil if the address is
// neither the primary nor a secondary.
func (t *Topo) Pool(addr Addr) Client {
	return t.pools[addr]
}

// ReadPool returns the Client which reads should be sent to. This is the
// first secondary's Client if there are any secondaries, otherwise it is the
// same as PrimaryPool.
func (t *Topo) ReadPool() Client {
	if len(t.secondaryPools) > 0 {
		return t.secondaryPools[0]
	}
	return t.primaryPool
}

// Members returns every address the Topo knows about: the primary,
// secondaries, arbiters and unavailable nodes, sorted.
func (t *Topo) Members() []Addr {
	s := newAddrSet(t.secondaries...)
	s.add(t.arbiters...)
	s.add(t.unavailable...)
	if !t.primary.IsZero() {
		s.add(t.primary)
	}
	return s.sorted()
}

// IsConnected returns true if at least one of the Topo's Clients holds at
// least one live connection.
func (t *Topo) IsConnected() bool {
	for _, p := range t.pools {
		if p.NumConns() > 0 {
			return true
		}
	}
	return false
}

// Equal returns true if both Topos have the same primary, secondaries and
// arbiters. Clients and unavailable nodes aren't compared.
func (t *Topo) Equal(t2 *Topo) bool {
	if t == nil || t2 == nil {
		return t == t2
	}
	return t.primary == t2.primary &&
		slices.Equal(t.secondaries, t2.secondaries) &&
		slices.Equal(t.arbiters, t2.arbiters)
}

func (t *Topo) roles() map[Addr]Role {
	if t == nil {
		return map[Addr]Role{}
	}
	m := make(map[Addr]Role, len(t.pools)+len(t.arbiters))
	if !t.primary.IsZero() {
		m[t.primary] = RolePrimary
	}
	for _, addr := range t.secondaries {
		m[addr] = RoleSecondary
	}
	for _, addr := range t.arbiters {
		m[addr] = RoleArbiter
	}
	return m
}

// diff describes how t2 differs from t, as a trace event. t may be nil.
func (t *Topo) diff(t2 *Topo) trace.ManagerTopoChanged {
	var tc trace.ManagerTopoChanged
	oldRoles, newRoles := t.roles(), t2.roles()

	for _, addr := range t2.Members() {
		newRole, ok := newRoles[addr]
		if !ok {
			continue
		}
		info := trace.ManagerNodeInfo{Addr: addr.String(), Role: newRole.String()}
		if oldRole, ok := oldRoles[addr]; !ok {
			tc.Added = append(tc.Added, info)
		} else if oldRole != newRole {
			tc.Changed = append(tc.Changed, info)
		}
	}

	if t == nil {
		return tc
	}
	for _, addr := range t.Members() {
		oldRole, ok := oldRoles[addr]
		if !ok {
			continue
		} else if _, ok := newRoles[addr]; !ok {
			tc.Removed = append(tc.Removed, trace.ManagerNodeInfo{
				Addr: addr.String(), Role: oldRole.String(),
			})
		}
	}
	return tc
}
