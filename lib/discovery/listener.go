package discovery

import (
	"fmt"
	"log/slog"
	"net/netip"

	"go.uber.org/multierr"

	apperrors "github.com/meshpay/meshd/lib/errors"
)

// ListenInterface holds the socket pair used to announce and listen on one
// network interface. It exclusively owns both sockets.
type ListenInterface struct {
	name  string
	index uint32

	multicastAddr netip.AddrPort
	multicast     PacketConn

	linkLocal   PacketConn
	linkLocalIP netip.Addr
}

// newListenInterface resolves ifname and binds its socket pair. Any
// failure releases whatever was bound and wraps ErrBind.
func newListenInterface(ifname string, cfg Config, kernel Kernel, binder Binder, logger *slog.Logger) (*ListenInterface, error) {
	linkIP, err := kernel.LinkLocalIP(ifname)
	if err != nil {
		return nil, fmt.Errorf("%s: link-local address: %w", ifname, multierr.Append(apperrors.ErrBind, err))
	}
	linkIP = linkIP.WithZone("")

	index, err := kernel.InterfaceIndex(ifname)
	if err != nil {
		logger.Warn("interface index lookup failed, using 0", "interface", ifname, "error", err)
		index = 0
	}

	multicastAddr := netip.AddrPortFrom(cfg.MulticastIP.WithZone(ifname), cfg.Port)
	multicast, err := binder.Bind(multicastAddr, cfg.MulticastIP, index)
	if err != nil {
		return nil, fmt.Errorf("%s: multicast socket: %w", ifname, multierr.Append(apperrors.ErrBind, err))
	}

	linkLocalAddr := netip.AddrPortFrom(linkIP.WithZone(ifname), cfg.Port)
	linkLocal, err := binder.Bind(linkLocalAddr, cfg.MulticastIP, index)
	if err != nil {
		multicast.Close()
		return nil, fmt.Errorf("%s: link-local socket: %w", ifname, multierr.Append(apperrors.ErrBind, err))
	}

	logger.Debug("bound listen interface",
		"interface", ifname,
		"index", index,
		"multicast", multicastAddr,
		"link_local", linkLocalAddr)

	return &ListenInterface{
		name:          ifname,
		index:         index,
		multicastAddr: multicastAddr,
		multicast:     multicast,
		linkLocal:     linkLocal,
		linkLocalIP:   linkIP,
	}, nil
}

// Name returns the interface name.
func (li *ListenInterface) Name() string {
	return li.name
}

// Index returns the OS interface index.
func (li *ListenInterface) Index() uint32 {
	return li.index
}

// LinkLocalIP returns the address this node announces on the interface.
func (li *ListenInterface) LinkLocalIP() netip.Addr {
	return li.linkLocalIP
}

// announce sends one ImHere from the link-local socket to the group.
func (li *ListenInterface) announce() error {
	if err := li.linkLocal.WriteTo(EncodeImHere(li.linkLocalIP), li.multicastAddr); err != nil {
		return fmt.Errorf("%s: sending ImHere: %w", li.name, err)
	}
	return nil
}

// close releases both sockets.
func (li *ListenInterface) close() error {
	return multierr.Combine(li.multicast.Close(), li.linkLocal.Close())
}
