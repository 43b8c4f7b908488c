package discovery

import (
	"net/netip"
)

// PacketConn is a non-blocking datagram socket owned by one listen interface.
type PacketConn interface {
	// ReadFrom reads one queued datagram into buf. It returns
	// errors.ErrWouldBlock when nothing is queued. truncated reports that
	// the datagram was larger than buf and its tail was discarded.
	ReadFrom(buf []byte) (n int, from netip.AddrPort, truncated bool, err error)
	// WriteTo sends one datagram.
	WriteTo(b []byte, to netip.AddrPort) error
	// Close releases the socket.
	Close() error
}

// Binder opens discovery sockets.
type Binder interface {
	// Bind binds a UDP socket to local, joins the multicast group on the
	// interface with index ifIndex and switches the socket to non-blocking
	// mode.
	Bind(local netip.AddrPort, group netip.Addr, ifIndex uint32) (PacketConn, error)
}

// Kernel resolves interface properties.
type Kernel interface {
	// LinkLocalIP returns the interface's fe80::/10 address.
	LinkLocalIP(ifname string) (netip.Addr, error)
	// InterfaceIndex returns the interface's OS index.
	InterfaceIndex(ifname string) (uint32, error)
}
