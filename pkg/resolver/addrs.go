package resolver

import (
	"net/netip"
	"strings"
	"time"
)

// AddrList is never modified once built; a refresh swaps in a new list.
type AddrList []netip.Addr

func newAddrList(addrs []netip.Addr) AddrList {
	seen := make(map[netip.Addr]struct{}, len(addrs))
	list := make(AddrList, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		list = append(list, a)
	}
	return list
}

func (l AddrList) Contains(v netip.Addr) bool {
	for _, a := range l {
		if a == v {
			return true
		}
	}
	return false
}

func (l AddrList) String() string {
	parts := make([]string, len(l))
	for i, a := range l {
		parts[i] = a.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

type snapshot struct {
	addrs      AddrList
	resolvedAt time.Time
}
