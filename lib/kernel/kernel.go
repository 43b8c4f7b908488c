// Package kernel reads and configures the host network state the node
// depends on: interface addresses and WireGuard tunnels.
package kernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// OnlineWindow is how recent a handshake must be for a client to count as
// online.
const OnlineWindow = 3 * time.Minute

// WgUsage holds the cumulative byte counters of one WireGuard peer.
// Download is what the peer sent us, Upload what we sent the peer.
type WgUsage struct {
	Upload   uint64
	Download uint64
}

// deviceClient is the subset of wgctrl.Client the kernel uses.
type deviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// Kernel talks to the host's network stack.
type Kernel struct {
	mu     sync.Mutex
	client deviceClient
	clock  clock.Clock
}

// New creates a Kernel. The WireGuard control client is opened on first use.
func New() *Kernel {
	return &Kernel{clock: clock.New()}
}

func (k *Kernel) wg() (deviceClient, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.client != nil {
		return k.client, nil
	}
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wireguard control client: %w", err)
	}
	k.client = c
	return c, nil
}

// LinkLocalIP returns the first fe80::/10 address configured on ifname.
func (k *Kernel) LinkLocalIP(ifname string) (netip.Addr, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s: listing addresses: %w", ifname, err)
	}
	ip, ok := firstLinkLocal(addrs)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%s: no link-local ipv6 address", ifname)
	}
	return ip, nil
}

func firstLinkLocal(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is6() && addr.IsLinkLocalUnicast() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// InterfaceIndex returns the OS index of ifname.
func (k *Kernel) InterfaceIndex(ifname string) (uint32, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return 0, err
	}
	return uint32(iface.Index), nil
}

// ReadCounters returns the cumulative counters of every peer of the
// WireGuard device, keyed by peer public key.
func (k *Kernel) ReadCounters(device string) (map[wgtypes.Key]WgUsage, error) {
	c, err := k.wg()
	if err != nil {
		return nil, err
	}
	dev, err := c.Device(device)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", device, err)
	}
	return peerUsage(dev), nil
}

func peerUsage(dev *wgtypes.Device) map[wgtypes.Key]WgUsage {
	usage := make(map[wgtypes.Key]WgUsage, len(dev.Peers))
	for _, p := range dev.Peers {
		usage[p.PublicKey] = WgUsage{
			Upload:   uint64(max(p.TransmitBytes, 0)),
			Download: uint64(max(p.ReceiveBytes, 0)),
		}
	}
	return usage
}

// ClientsOnline counts the peers of device that completed a handshake
// within OnlineWindow.
func (k *Kernel) ClientsOnline(device string) (int, error) {
	c, err := k.wg()
	if err != nil {
		return 0, err
	}
	dev, err := c.Device(device)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", device, err)
	}

	now := k.clock.Now()
	online := 0
	for _, p := range dev.Peers {
		if !p.LastHandshakeTime.IsZero() && now.Sub(p.LastHandshakeTime) < OnlineWindow {
			online++
		}
	}
	return online, nil
}

// SetupTunnel gives an existing WireGuard device its private key and
// listen port.
func (k *Kernel) SetupTunnel(device string, privateKey wgtypes.Key, listenPort int) error {
	c, err := k.wg()
	if err != nil {
		return err
	}

	cfg := wgtypes.Config{PrivateKey: &privateKey}
	if listenPort > 0 {
		cfg.ListenPort = &listenPort
	}
	if err := c.ConfigureDevice(device, cfg); err != nil {
		return fmt.Errorf("configuring %s: %w", device, err)
	}

	log.WithField("device", device).WithField("listen_port", listenPort).Info("configured wireguard tunnel")
	return nil
}

// Close releases the WireGuard control client.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.client == nil {
		return nil
	}
	err := k.client.Close()
	k.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
