// Package netutil provides network helpers for announcing the ShelfCache listener.
package netutil

import (
	"net"
	"strconv"
)

// interfaceAddrs is replaced in tests
var interfaceAddrs = net.InterfaceAddrs

// IsWildcardHost reports whether host binds every interface
func IsWildcardHost(host string) bool {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return true
	}
	return false
}

// LocalIPv4 returns the first non-loopback IPv4 address of this machine,
// or 127.0.0.1 when there is none.
func LocalIPv4() string {
	addrs, err := interfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipnet.IP.To4(); ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return ip.String()
		}
	}
	return "127.0.0.1"
}

// AdvertiseURL returns the base URL other devices on the network can use to
// reach a listener bound to addr (host:port).
func AdvertiseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if IsWildcardHost(host) {
		host = LocalIPv4()
	}
	if p, err := strconv.Atoi(port); err == nil && p == 80 {
		return "http://" + host
	}
	return "http://" + net.JoinHostPort(host, port)
}
