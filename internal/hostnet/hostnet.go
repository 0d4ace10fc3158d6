// Package hostnet discovers the address the guest uses to reach the host.
package hostnet

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ResolveHostIPv4 returns the first IPv4 address of the interface carrying
// the default route. The install depends on the guest's user-mode network
// reaching this address, so failure here is unrecoverable.
func ResolveHostIPv4() (net.IP, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	idx, ok := defaultRouteLink(routes)
	if !ok {
		return nil, errors.New("no default IPv4 route found")
	}

	link, err := netlink.LinkByIndex(idx)
	if err != nil {
		return nil, fmt.Errorf("lookup default route interface: %w", err)
	}
	addrs, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("list addresses on %s: %w", link.Attrs().Name, err)
	}
	ip, ok := firstIPv4(addrs)
	if !ok {
		return nil, fmt.Errorf("no IPv4 address on default route interface %s", link.Attrs().Name)
	}
	return ip, nil
}

// defaultRouteLink returns the link index of the first default route.
func defaultRouteLink(routes []netlink.Route) (int, bool) {
	for _, route := range routes {
		if route.Dst == nil || route.Dst.IP.IsUnspecified() {
			return route.LinkIndex, true
		}
	}
	return 0, false
}

func firstIPv4(addrs []netlink.Addr) (net.IP, bool) {
	for _, addr := range addrs {
		if ip := addr.IP.To4(); ip != nil {
			return ip, true
		}
	}
	return nil, false
}
