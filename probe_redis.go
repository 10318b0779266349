package replset

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisProber is a Prober for redis primary/replica sets. It uses the ROLE
// command on a dedicated short-lived connection:
//
//   - a master is RolePrimary, and reports its connected replicas as peers
//   - a slave/replica is RoleSecondary, and reports its master as a peer
//   - a sentinel is RoleArbiter, and reports no peers
//
// The probed node is always included in its own peers, except for sentinels.
type RedisProber struct {
	// Dial is used to create the connection for each probe. Defaults to
	// DefaultDialFunc. The Context passed in will have a deadline when the
	// Manager is configured with a ProbeTimeout.
	Dial DialFunc
}

var _ Prober = RedisProber{}

// Probe implements the method for the Prober interface.
func (rp RedisProber) Probe(ctx context.Context, addr Addr) (NodeStatus, error) {
	dial := rp.Dial
	if dial == nil {
		dial = DefaultDialFunc
	}

	conn, err := dial(ctx, "tcp", addr.String())
	if err != nil {
		return NodeStatus{Addr: addr, Err: err}, err
	}
	defer conn.Close()

	// closing the connection unblocks any read which is currently happening on
	// it, so a cancelled probe returns promptly
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reply, err := conn.Do("ROLE")
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if err != nil {
		return NodeStatus{Addr: addr, Err: err}, err
	}

	status, err := parseRoleReply(addr, reply)
	if err != nil {
		return NodeStatus{Addr: addr, Err: err}, err
	}
	return status, nil
}

func parseRoleReply(addr Addr, reply interface{}) (NodeStatus, error) {
	vals, err := redis.Values(reply, nil)
	if err != nil {
		return NodeStatus{}, ErrMalformedReply.Wrap(err, "ROLE reply from %s", addr)
	} else if len(vals) == 0 {
		return NodeStatus{}, ErrMalformedReply.New("empty ROLE reply from %s", addr)
	}

	kind, err := redis.String(vals[0], nil)
	if err != nil {
		return NodeStatus{}, ErrMalformedReply.Wrap(err, "ROLE reply from %s", addr)
	}

	status := NodeStatus{Addr: addr, Reachable: true}
	switch strings.ToLower(kind) {
	case "master":
		// master, replication offset, [[ip, port, offset], ...]
		status.Role = RolePrimary
		status.Peers = []Addr{addr}
		if len(vals) < 3 {
			return NodeStatus{}, ErrMalformedReply.New("short master ROLE reply from %s", addr)
		}
		replicas, err := redis.Values(vals[2], nil)
		if err != nil {
			return NodeStatus{}, ErrMalformedReply.Wrap(err, "master ROLE reply from %s", addr)
		}
		for _, r := range replicas {
			rvals, err := redis.Values(r, nil)
			if err != nil || len(rvals) < 2 {
				return NodeStatus{}, ErrMalformedReply.New("replica entry %v in ROLE reply from %s", r, addr)
			}
			peer, err := replyAddr(rvals[0], rvals[1])
			if err != nil {
				return NodeStatus{}, ErrMalformedReply.Wrap(err, "replica entry in ROLE reply from %s", addr)
			}
			status.Peers = append(status.Peers, peer)
		}

	case "slave", "replica":
		// slave, master ip, master port, link state, offset
		status.Role = RoleSecondary
		status.Peers = []Addr{addr}
		if len(vals) < 3 {
			return NodeStatus{}, ErrMalformedReply.New("short replica ROLE reply from %s", addr)
		}
		master, err := replyAddr(vals[1], vals[2])
		if err != nil {
			return NodeStatus{}, ErrMalformedReply.Wrap(err, "replica ROLE reply from %s", addr)
		}
		// a replica which was never told about a master reports ?:0 or
		// similar, which isn't worth following
		if master.Port > 0 && master.Host != "?" {
			status.Peers = append(status.Peers, master)
		}

	case "sentinel":
		status.Role = RoleArbiter

	default:
		status.Role = RoleUnknown
	}

	status.Peers = sortAddrs(status.Peers)
	return status, nil
}

// replyAddr builds an Addr out of an ip and port which redis may have given as
// either bulk strings or integers.
func replyAddr(hostI, portI interface{}) (Addr, error) {
	host, err := redis.String(hostI, nil)
	if err != nil {
		return Addr{}, err
	}

	var port int
	switch p := portI.(type) {
	case int64:
		port = int(p)
	default:
		portStr, err := redis.String(portI, nil)
		if err != nil {
			return Addr{}, err
		}
		if port, err = strconv.Atoi(portStr); err != nil {
			return Addr{}, err
		}
	}
	return Addr{Host: host, Port: port}, nil
}

// DialFunc is a function which returns an initialized, ready-to-be-used redis
// connection. It is used by both RedisProber and Pool, and can be used to set
// timeouts, perform AUTH, use TLS, etc...
type DialFunc func(ctx context.Context, network, addr string) (redis.Conn, error)

// DefaultDialFunc is a DialFunc which uses redigo's DialContext with sane
// timeouts. If the Context has a deadline that is used as the read/write
// timeout instead.
var DefaultDialFunc = func(ctx context.Context, network, addr string) (redis.Conn, error) {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return redis.DialContext(ctx, network, addr,
		redis.DialConnectTimeout(timeout),
		redis.DialReadTimeout(timeout),
		redis.DialWriteTimeout(timeout),
	)
}
