package replset

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomodule/redigo/redis"
)

// stubClient is a Client which holds no real connections. It reports a
// single live connection until closed.
type stubClient struct {
	addr   Addr
	closed atomic.Bool
}

var _ Client = new(stubClient)

func (sc *stubClient) Addr() Addr { return sc.addr }

func (sc *stubClient) Get(context.Context) (redis.Conn, error) {
	if sc.closed.Load() {
		return nil, ErrClosed.New("stubClient for %s is closed", sc.addr)
	}
	return newFakeConn(nil), nil
}

func (sc *stubClient) NumConns() int {
	if sc.closed.Load() {
		return 0
	}
	return 1
}

func (sc *stubClient) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return ErrClosed.New("stubClient for %s already closed", sc.addr)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

type stubNode struct {
	role Role

	// up is false if the node can't be connected to.
	up bool

	// member is false if the node is running but has been removed from the
	// replica set.
	member bool
}

// stubSet is an in-memory replica set. Every member reports the full
// membership as its peers, nodes which aren't members report themselves as
// RoleUnknown with no peers.
type stubSet struct {
	l       sync.Mutex
	nodes   map[Addr]*stubNode
	probes  map[Addr]int
	clients []*stubClient

	// probeHook, if set, is called at the start of every probe without the
	// lock held.
	probeHook func(ctx context.Context, addr Addr) error

	// poolErrs causes pool opens to the given addresses to fail.
	poolErrs map[Addr]error
}

func newStubSet(primary Addr, secondaries ...Addr) *stubSet {
	s := &stubSet{
		nodes:    map[Addr]*stubNode{},
		probes:   map[Addr]int{},
		poolErrs: map[Addr]error{},
	}
	s.add(primary, RolePrimary)
	for _, addr := range secondaries {
		s.add(addr, RoleSecondary)
	}
	return s
}

func (s *stubSet) add(addr Addr, role Role) {
	s.l.Lock()
	defer s.l.Unlock()
	s.nodes[addr] = &stubNode{role: role, up: true, member: true}
}

func (s *stubSet) withNode(addr Addr, fn func(*stubNode)) {
	s.l.Lock()
	defer s.l.Unlock()
	fn(s.nodes[addr])
}

func (s *stubSet) kill(addrs ...Addr) {
	for _, addr := range addrs {
		s.withNode(addr, func(n *stubNode) { n.up = false })
	}
}

func (s *stubSet) start(addrs ...Addr) {
	for _, addr := range addrs {
		s.withNode(addr, func(n *stubNode) { n.up = true })
	}
}

func (s *stubSet) remove(addr Addr) {
	s.withNode(addr, func(n *stubNode) { n.member = false })
}

func (s *stubSet) setRole(addr Addr, role Role) {
	s.withNode(addr, func(n *stubNode) { n.role = role })
}

func (s *stubSet) setProbeHook(fn func(ctx context.Context, addr Addr) error) {
	s.l.Lock()
	defer s.l.Unlock()
	s.probeHook = fn
}

func (s *stubSet) failPoolOpen(addr Addr, err error) {
	s.l.Lock()
	defer s.l.Unlock()
	s.poolErrs[addr] = err
}

func (s *stubSet) numProbes(addr Addr) int {
	s.l.Lock()
	defer s.l.Unlock()
	return s.probes[addr]
}

func (s *stubSet) numPoolsOpened() int {
	s.l.Lock()
	defer s.l.Unlock()
	return len(s.clients)
}

func (s *stubSet) openClients() []*stubClient {
	s.l.Lock()
	defer s.l.Unlock()
	var clients []*stubClient
	for _, c := range s.clients {
		if !c.closed.Load() {
			clients = append(clients, c)
		}
	}
	return clients
}

func (s *stubSet) Probe(ctx context.Context, addr Addr) (NodeStatus, error) {
	s.l.Lock()
	hook := s.probeHook
	s.l.Unlock()
	if hook != nil {
		if err := hook(ctx, addr); err != nil {
			return NodeStatus{}, err
		}
	}

	s.l.Lock()
	defer s.l.Unlock()
	s.probes[addr]++

	n, ok := s.nodes[addr]
	if !ok || !n.up {
		return NodeStatus{}, errors.New("connection refused")
	} else if !n.member {
		return NodeStatus{Addr: addr, Reachable: true, Role: RoleUnknown}, nil
	}

	var peers []Addr
	for peer, pn := range s.nodes {
		if pn.member {
			peers = append(peers, peer)
		}
	}
	return NodeStatus{
		Addr:      addr,
		Reachable: true,
		Role:      n.role,
		Peers:     sortAddrs(peers),
	}, nil
}

func (s *stubSet) poolFunc(_ context.Context, addr Addr) (Client, error) {
	s.l.Lock()
	defer s.l.Unlock()
	if err := s.poolErrs[addr]; err != nil {
		return nil, err
	} else if n, ok := s.nodes[addr]; !ok || !n.up {
		return nil, errors.New("connection refused")
	}
	c := &stubClient{addr: addr}
	s.clients = append(s.clients, c)
	return c, nil
}

// config returns a ManagerConfig which uses the stubSet for probes and pools.
func (s *stubSet) config() ManagerConfig {
	return ManagerConfig{Prober: s, PoolFunc: s.poolFunc}
}

////////////////////////////////////////////////////////////////////////////////

// roleReplies is a Prober which answers with raw ROLE replies, parsed the same
// way as RedisProber parses them. Addresses without a reply are down.
type roleReplies struct {
	l       sync.Mutex
	replies map[Addr]interface{}
}

func newRoleReplies() *roleReplies {
	return &roleReplies{replies: map[Addr]interface{}{}}
}

func (rr *roleReplies) set(addr Addr, reply interface{}) {
	rr.l.Lock()
	defer rr.l.Unlock()
	rr.replies[addr] = reply
}

func (rr *roleReplies) down(addr Addr) {
	rr.l.Lock()
	defer rr.l.Unlock()
	delete(rr.replies, addr)
}

func (rr *roleReplies) Probe(_ context.Context, addr Addr) (NodeStatus, error) {
	rr.l.Lock()
	reply, ok := rr.replies[addr]
	rr.l.Unlock()
	if !ok {
		return NodeStatus{}, errors.New("connection refused")
	}
	return parseRoleReply(addr, reply)
}

func (rr *roleReplies) config() ManagerConfig {
	return ManagerConfig{
		Prober: rr,
		PoolFunc: func(_ context.Context, addr Addr) (Client, error) {
			return &stubClient{addr: addr}, nil
		},
	}
}

func masterReply(replicas ...Addr) interface{} {
	entries := make([]interface{}, len(replicas))
	for i, addr := range replicas {
		entries[i] = []interface{}{
			[]byte(addr.Host), []byte(strconv.Itoa(addr.Port)), []byte("0"),
		}
	}
	return []interface{}{[]byte("master"), int64(0), entries}
}

func replicaReply(master Addr) interface{} {
	return []interface{}{
		[]byte("slave"), []byte(master.Host), int64(master.Port), []byte("connected"), int64(0),
	}
}
