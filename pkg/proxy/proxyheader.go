package proxy

import (
	"fmt"
	"net"
	"net/netip"
)

// proxyHeader returns the PROXY protocol v1 line describing a client
// connection from remote to local.
func proxyHeader(remote, local net.Addr) string {
	src, srcOK := addrPort(remote)
	dst, dstOK := addrPort(local)
	if !srcOK || !dstOK {
		return "PROXY UNKNOWN\r\n"
	}

	family := "TCP4"
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		// both sides must share one family
		family = "TCP6"
		src = netip.AddrPortFrom(as6(src.Addr()), src.Port())
		dst = netip.AddrPortFrom(as6(dst.Addr()), dst.Port())
	}
	return fmt.Sprintf("PROXY %s %s %s %d %d\r\n", family, src.Addr(), dst.Addr(), src.Port(), dst.Port())
}

func addrPort(a net.Addr) (netip.AddrPort, bool) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := tcp.AddrPort()
	if !ap.IsValid() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port()), true
}

func as6(a netip.Addr) netip.Addr {
	if a.Is4() {
		return netip.AddrFrom16(a.As16())
	}
	return a
}
