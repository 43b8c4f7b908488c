//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package discovery

import (
	"errors"
	"net/netip"

	apperrors "github.com/meshpay/meshd/lib/errors"
)

type unsupportedBinder struct{}

// NewBinder returns the platform socket binder.
func NewBinder() Binder {
	return unsupportedBinder{}
}

func (unsupportedBinder) Bind(netip.AddrPort, netip.Addr, uint32) (PacketConn, error) {
	return nil, errors.Join(apperrors.ErrBind, errors.New("peer discovery is not supported on this platform"))
}
