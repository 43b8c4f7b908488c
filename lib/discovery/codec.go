// Package discovery finds mesh neighbors on directly attached links.
//
// Every tick the node multicasts an ImHere packet carrying its link-local
// address on each listen interface, then drains the packets its neighbors
// sent since the previous tick. The neighbors heard during a tick form the
// peer table until the next tick replaces it.
package discovery

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	apperrors "github.com/meshpay/meshd/lib/errors"
)

// ImHere wire layout:
//
//	byte 0      magic (MsgImHere)
//	bytes 1-2   declared total length, big-endian
//	bytes 3-18  sender IPv6 address
const (
	// MsgImHere is the magic byte of an ImHere packet.
	MsgImHere byte = 0x5b
	// ImHereLen is the encoded size of an ImHere packet and the minimum
	// declared length a receiver accepts.
	ImHereLen = 1 + 2 + 16
)

// EncodeImHere builds an ImHere packet announcing addr. IPv4 addresses are
// sent in their IPv4-mapped IPv6 form.
func EncodeImHere(addr netip.Addr) []byte {
	buf := make([]byte, 0, ImHereLen)
	buf = append(buf, MsgImHere)
	buf = binary.BigEndian.AppendUint16(buf, ImHereLen)
	octets := addr.As16()
	buf = append(buf, octets[:]...)
	return buf
}

// DecodeImHere parses an ImHere packet and returns the announced address.
// Trailing bytes beyond the declared length are ignored so that later
// protocol versions can extend the packet.
func DecodeImHere(buf []byte) (netip.Addr, error) {
	if len(buf) == 0 {
		return netip.Addr{}, fmt.Errorf("empty packet: %w", apperrors.ErrDecode)
	}
	if buf[0] != MsgImHere {
		return netip.Addr{}, fmt.Errorf("invalid magic 0x%02x: %w", buf[0], apperrors.ErrDecode)
	}
	if len(buf) < 3 {
		return netip.Addr{}, fmt.Errorf("truncated header: %w", apperrors.ErrDecode)
	}

	declared := binary.BigEndian.Uint16(buf[1:3])
	if declared < ImHereLen {
		return netip.Addr{}, fmt.Errorf("declared length %d below %d: %w", declared, ImHereLen, apperrors.ErrDecode)
	}
	if len(buf) < ImHereLen {
		return netip.Addr{}, fmt.Errorf("packet of %d bytes shorter than %d: %w", len(buf), ImHereLen, apperrors.ErrDecode)
	}

	var octets [16]byte
	for i := 0; i < 8; i++ {
		group := binary.BigEndian.Uint16(buf[3+2*i:])
		binary.BigEndian.PutUint16(octets[2*i:], group)
	}
	addr := netip.AddrFrom16(octets)

	if addr.IsUnspecified() || addr.IsLoopback() || addr.IsMulticast() {
		return netip.Addr{}, fmt.Errorf("unusable address %s: %w", addr, apperrors.ErrDecode)
	}

	return addr, nil
}
