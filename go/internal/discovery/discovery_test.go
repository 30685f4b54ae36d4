package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/require"
)

func TestEntryEndpoint(t *testing.T) {
	ep, ok := entryEndpoint(&mdns.ServiceEntry{
		Host:       "studio.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       45011,
		InfoFields: []string{"collascii"},
	})
	require.True(t, ok)
	require.Equal(t, Endpoint{Host: "studio.local.", Addr: "192.168.1.20:45011", Info: "collascii"}, ep)

	_, ok = entryEndpoint(&mdns.ServiceEntry{Port: 45011})
	require.False(t, ok, "entries without an IPv4 address are unreachable")

	_, ok = entryEndpoint(&mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 1)})
	require.False(t, ok, "entries without a port are unreachable")

	ep, ok = entryEndpoint(&mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 1), Port: 7})
	require.True(t, ok)
	require.Empty(t, ep.Info)
}
