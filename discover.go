package replset

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

type probeResult struct {
	addr   Addr
	status NodeStatus
	err    error
}

func (r probeResult) ok() bool {
	return r.err == nil
}

// discovery is the outcome of one discovery pass.
type discovery struct {
	topo *Topo

	// Clients which were newly opened for topo, as opposed to being carried
	// over from the previous one.
	opened []Client

	probed, reachable int
}

func (m *Manager) probe(ctx context.Context, addr Addr) probeResult {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	status, err := m.cfg.Prober.Probe(ctx, addr)
	if err == nil && !status.Reachable {
		if err = status.Err; err == nil {
			err = ErrConnectionFailure.New("%s is unreachable", addr)
		}
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ErrProbeTimeout.Wrap(err, "probing %s", addr)
		}
		return probeResult{addr: addr, err: err}
	}

	status.Addr = addr
	return probeResult{addr: addr, status: status}
}

// probeAll probes all given addresses concurrently. The results are in the
// same order as the addresses, regardless of the order the probes complete
// in.
func (m *Manager) probeAll(ctx context.Context, addrs []Addr) []probeResult {
	results := make([]probeResult, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr Addr) {
			defer wg.Done()
			m.sema.acquire()
			defer m.sema.release()
			results[i] = m.probe(ctx, addr)
		}(i, addr)
	}
	wg.Wait()
	return results
}

// openPools returns a Client for each of the given addresses, reusing the
// previous Topo's Client where there is one. Clients which are newly opened
// are returned separately as well. Addresses which a Client could not be opened
// for are returned in failed.
func (m *Manager) openPools(
	ctx context.Context, prev *Topo, addrs []Addr,
) (pools map[Addr]Client, opened []Client, failed map[Addr]error) {
	pools = make(map[Addr]Client, len(addrs))
	failed = map[Addr]error{}

	var toOpen []Addr
	for _, addr := range addrs {
		if prev != nil {
			if p := prev.Pool(addr); p != nil {
				pools[addr] = p
				continue
			}
		}
		toOpen = append(toOpen, addr)
	}

	newPools := make([]Client, len(toOpen))
	errs := make([]error, len(toOpen))
	var wg sync.WaitGroup
	for i, addr := range toOpen {
		wg.Add(1)
		go func(i int, addr Addr) {
			defer wg.Done()
			m.sema.acquire()
			defer m.sema.release()
			ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
			newPools[i], errs[i] = m.cfg.PoolFunc(ctx, addr)
		}(i, addr)
	}
	wg.Wait()

	for i, addr := range toOpen {
		if errs[i] != nil {
			failed[addr] = ErrPoolOpenFailure.Wrap(errs[i], "opening pool to %s", addr)
			continue
		}
		pools[addr] = newPools[i]
		opened = append(opened, newPools[i])
	}
	return pools, opened, failed
}

// discover runs a single discovery pass against the known members of prev
// (or the seeds, if prev is nil), and returns a new Topo built from the
// results. prev is not modified.
func (m *Manager) discover(ctx context.Context, prev *Topo) (discovery, error) {
	var (
		d       discovery
		gen     uint64 = 1
		results []probeResult
		probed  = addrSet{}
	)
	if prev != nil {
		gen = prev.gen + 1
	}

	// round probes all given addresses which haven't been probed yet during
	// this pass. Each round's addresses are probed in sorted order, which
	// makes the order of results deterministic.
	round := func(addrs []Addr) {
		var toProbe []Addr
		for _, addr := range sortAddrs(addrs) {
			if !probed.has(addr) {
				probed.add(addr)
				toProbe = append(toProbe, addr)
			}
		}
		results = append(results, m.probeAll(ctx, toProbe)...)
	}

	// a node naming itself is only enough to make it a member if it claims to
	// be a secondary or arbiter. A primary must be named by some other node,
	// otherwise any node detached from the set would count as one.
	membership := addrSet{}
	collect := func(from int) {
		for _, r := range results[from:] {
			if !r.ok() {
				continue
			}
			for _, peer := range r.status.Peers {
				if peer != r.addr {
					membership.add(peer)
				}
			}
			if r.status.Role == RoleSecondary || r.status.Role == RoleArbiter {
				membership.add(r.addr)
			}
		}
	}
	countReachable := func() int {
		var n int
		for _, r := range results {
			if r.ok() {
				n++
			}
		}
		return n
	}

	if prev != nil {
		round(prev.Members())
	}
	if countReachable() == 0 {
		round(m.seeds)
	}
	collect(0)

	// any member which wasn't already known is probed as well, but members
	// reported by those aren't followed any further
	var unprobed []Addr
	for addr := range membership {
		if !probed.has(addr) {
			unprobed = append(unprobed, addr)
		}
	}
	firstExtra := len(results)
	round(unprobed)
	collect(firstExtra)

	d.probed, d.reachable = len(results), countReachable()
	var lastErr error
	for _, r := range results {
		if !r.ok() {
			lastErr = r.err
			m.traceProbeFailed(gen, r.addr, r.err)
		}
	}
	if d.reachable == 0 {
		if lastErr == nil {
			return d, ErrConnectionFailure.New("no nodes to probe")
		}
		return d, ErrConnectionFailure.Wrap(lastErr, "none of %d probed nodes were reachable", d.probed)
	}

	claims := m.primaryClaims(prev, results, membership)
	var primary Addr
	if len(claims) > 0 {
		// the last primary claim in probe order wins
		primary = claims[len(claims)-1]
		membership.add(claims...)
	}
	if len(claims) > 1 {
		claimants := make([]string, len(claims))
		for i, addr := range claims {
			claimants[i] = addr.String()
		}
		m.tracePrimaryConflict(gen, claimants, primary)
	}

	// primary claims which lost out aren't used at all. They may well be the
	// primary under a different address, so they stay unavailable.
	var secondaries, arbiters []Addr
	for _, r := range results {
		if !r.ok() || !membership.has(r.addr) || r.addr == primary {
			continue
		}
		switch r.status.Role {
		case RoleSecondary:
			secondaries = append(secondaries, r.addr)
		case RoleArbiter:
			arbiters = append(arbiters, r.addr)
		}
	}

	dataAddrs := secondaries
	if !primary.IsZero() {
		dataAddrs = append([]Addr{primary}, secondaries...)
	}
	pools, opened, failed := m.openPools(ctx, prev, dataAddrs)
	for addr, err := range failed {
		m.traceProbeFailed(gen, addr, err)
	}
	d.opened = opened

	var primaryNode topoNode
	if p, ok := pools[primary]; ok && !primary.IsZero() {
		primaryNode = topoNode{addr: primary, pool: p}
	}
	var secondaryNodes []topoNode
	for _, addr := range secondaries {
		if p, ok := pools[addr]; ok {
			secondaryNodes = append(secondaryNodes, topoNode{addr: addr, pool: p})
		}
	}

	usable := newAddrSet(arbiters...)
	for addr := range pools {
		usable.add(addr)
	}
	var unavailable []Addr
	for addr := range membership {
		if !usable.has(addr) {
			unavailable = append(unavailable, addr)
		}
	}

	d.topo = newTopo(gen, primaryNode, secondaryNodes, arbiters, unavailable)
	return d, nil
}

// primaryClaims returns the addresses of the reachable nodes claiming to be
// primary which can be believed, in probe order.
//
// A claim is believed if some other node names the claimant as a member. If no
// claim is believed that way then claims from nodes naming at least one known
// member are, or all claims if no members are known at all. Failing over to
// those unconfirmed claims the previous primary is preferred, if it is one of
// them.
func (m *Manager) primaryClaims(prev *Topo, results []probeResult, membership addrSet) []Addr {
	var named, unconfirmed []Addr
	for _, r := range results {
		if !r.ok() || r.status.Role != RolePrimary {
			continue
		} else if membership.has(r.addr) {
			named = append(named, r.addr)
			continue
		}

		confirmed := len(membership) == 0
		for _, peer := range r.status.Peers {
			if peer != r.addr && membership.has(peer) {
				confirmed = true
				break
			}
		}
		if confirmed {
			unconfirmed = append(unconfirmed, r.addr)
		}
	}

	if len(named) > 0 {
		return named
	}
	if prev != nil {
		if prevPrimary, ok := prev.Primary(); ok && slices.Contains(unconfirmed, prevPrimary) {
			return []Addr{prevPrimary}
		}
	}
	return unconfirmed
}
