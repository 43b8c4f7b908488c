//go:build linux || darwin || freebsd || netbsd || openbsd

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	apperrors "github.com/meshpay/meshd/lib/errors"
)

// UDPBinder binds real UDP sockets.
type UDPBinder struct{}

// NewBinder returns the platform socket binder.
func NewBinder() Binder {
	return UDPBinder{}
}

// reuseAddr lets every interface bind the shared group address and port.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// Bind implements Binder.
func (UDPBinder) Bind(local netip.AddrPort, group netip.Addr, ifIndex uint32) (PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp6", net.UDPAddrFromAddrPort(local).String())
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", local, err)
	}
	conn := pc.(*net.UDPConn)

	var ifi *net.Interface
	if ifIndex != 0 {
		ifi, err = net.InterfaceByIndex(int(ifIndex))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("looking up interface %d: %w", ifIndex, err)
		}
	}

	p := ipv6.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.AsSlice()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("joining %s on %s: %w", group, local, err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting multicast interface on %s: %w", local, err)
		}
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("raw socket for %s: %w", local, err)
	}

	return &udpConn{conn: conn, raw: raw}, nil
}

type udpConn struct {
	conn *net.UDPConn
	raw  syscall.RawConn
}

// ReadFrom performs a single MSG_DONTWAIT receive so an empty queue never
// parks the caller.
func (c *udpConn) ReadFrom(buf []byte) (int, netip.AddrPort, bool, error) {
	var (
		n     int
		flags int
		from  unix.Sockaddr
		rerr  error
	)
	err := c.raw.Read(func(fd uintptr) bool {
		n, _, flags, from, rerr = unix.Recvmsg(int(fd), buf, nil, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, netip.AddrPort{}, false, err
	}
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) {
			return 0, netip.AddrPort{}, false, apperrors.ErrWouldBlock
		}
		return 0, netip.AddrPort{}, false, rerr
	}

	return n, sockaddrToAddrPort(from), flags&unix.MSG_TRUNC != 0, nil
}

func (c *udpConn) WriteTo(b []byte, to netip.AddrPort) error {
	_, err := c.conn.WriteToUDPAddrPort(b, to)
	return err
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(v.Addr)
		if v.ZoneId != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(v.ZoneId), 10))
		}
		return netip.AddrPortFrom(addr, uint16(v.Port))
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}
