package socket

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// groupConn is the subset of ipv4.PacketConn and ipv6.PacketConn used for
// multicast control.
type groupConn interface {
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
	SetMulticastInterface(ifi *net.Interface) error
	SetMulticastLoopback(on bool) error
}

type v4GroupConn struct{ *ipv4.PacketConn }

type v6GroupConn struct{ *ipv6.PacketConn }

func newGroupConn(family Family, conn *net.UDPConn) groupConn {
	if family == FamilyUDP6 {
		return v6GroupConn{ipv6.NewPacketConn(conn)}
	}
	return v4GroupConn{ipv4.NewPacketConn(conn)}
}

// setTTL sets the multicast TTL (IPv4) or hop limit (IPv6).
func setTTL(gc groupConn, ttl int) error {
	switch c := gc.(type) {
	case v4GroupConn:
		return c.SetMulticastTTL(ttl)
	case v6GroupConn:
		return c.SetMulticastHopLimit(ttl)
	}
	return ErrUnsupported
}

// resolveGroup parses or resolves a multicast group address for family.
func resolveGroup(family Family, group string) (net.IP, error) {
	ip := net.ParseIP(group)
	if ip == nil {
		addr, err := net.ResolveIPAddr(family.ipNetwork(), group)
		if err != nil {
			return nil, err
		}
		ip = addr.IP
	}
	if !ip.IsMulticast() {
		return nil, fmt.Errorf("%s: %w", group, ErrNotMulticast)
	}
	isV4 := ip.To4() != nil
	if isV4 != (family == FamilyUDP4) {
		return nil, fmt.Errorf("group %s does not match socket family %s", group, family)
	}
	return ip, nil
}

// membershipInterface picks the interface for group membership: the named one,
// else the one owning the bound address, else nil (OS default).
func membershipInterface(name string, local *net.UDPAddr) (*net.Interface, error) {
	if name != "" {
		return net.InterfaceByName(name)
	}
	if local == nil || local.IP == nil || local.IP.IsUnspecified() {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(local.IP) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, nil
}
