package netutil

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubAddrs(t *testing.T, addrs []net.Addr, err error) {
	t.Helper()
	orig := interfaceAddrs
	interfaceAddrs = func() ([]net.Addr, error) { return addrs, err }
	t.Cleanup(func() { interfaceAddrs = orig })
}

func ipNet(s string) *net.IPNet {
	ip, n, _ := net.ParseCIDR(s)
	n.IP = ip
	return n
}

func TestLocalIPv4(t *testing.T) {
	stubAddrs(t, []net.Addr{
		ipNet("127.0.0.1/8"),
		ipNet("fe80::1/64"),
		ipNet("169.254.10.2/16"),
		ipNet("192.168.1.20/24"),
	}, nil)
	assert.Equal(t, "192.168.1.20", LocalIPv4())

	stubAddrs(t, nil, errors.New("no interfaces"))
	assert.Equal(t, "127.0.0.1", LocalIPv4())
}

func TestAdvertiseURL(t *testing.T) {
	stubAddrs(t, []net.Addr{ipNet("10.0.0.5/8")}, nil)

	tests := map[string]string{
		"0.0.0.0:8787":   "http://10.0.0.5:8787",
		"[::]:8787":      "http://10.0.0.5:8787",
		"127.0.0.1:9000": "http://127.0.0.1:9000",
		"nas.local:80":   "http://nas.local",
		"weird":          "http://weird",
	}
	for addr, want := range tests {
		assert.Equal(t, want, AdvertiseURL(addr), addr)
	}
	assert.True(t, IsWildcardHost(""))
	assert.False(t, IsWildcardHost("localhost"))
}
