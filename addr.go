package replset

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// Addr is the network address of a single node in a replica set. Addr is
// comparable, and is the identity used for a node throughout this package.
type Addr struct {
	Host string
	Port int
}

// ParseAddr parses a "host:port" string into an Addr. IPv6 hosts must be
// enclosed in brackets, as per net.SplitHostPort.
func ParseAddr(s string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, ErrInvalidAddr.Wrap(err, "parsing address %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Addr{}, ErrInvalidAddr.New("invalid port in address %q", s)
	} else if host == "" {
		return Addr{}, ErrInvalidAddr.New("missing host in address %q", s)
	}
	return Addr{Host: host, Port: port}, nil
}

// ParseAddrs calls ParseAddr on each of the given strings, returning the first
// error encountered.
func ParseAddrs(ss ...string) ([]Addr, error) {
	addrs := make([]Addr, 0, len(ss))
	for _, s := range ss {
		addr, err := ParseAddr(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero returns true if the Addr is the zero value.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

func compareAddrs(a, b Addr) int {
	if c := strings.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	return a.Port - b.Port
}

// sortAddrs sorts in place and removes duplicates, returning the result.
func sortAddrs(addrs []Addr) []Addr {
	slices.SortFunc(addrs, compareAddrs)
	return slices.Compact(addrs)
}

// addrSet is a set of Addrs whose iteration order doesn't matter.
type addrSet map[Addr]struct{}

func newAddrSet(addrs ...Addr) addrSet {
	s := make(addrSet, len(addrs))
	s.add(addrs...)
	return s
}

func (s addrSet) add(addrs ...Addr) {
	for _, addr := range addrs {
		s[addr] = struct{}{}
	}
}

func (s addrSet) has(addr Addr) bool {
	_, ok := s[addr]
	return ok
}

// sorted returns the members of the set as a sorted slice.
func (s addrSet) sorted() []Addr {
	addrs := make([]Addr, 0, len(s))
	for addr := range s {
		addrs = append(addrs, addr)
	}
	return sortAddrs(addrs)
}
