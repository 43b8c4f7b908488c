package kernel

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"go.uber.org/multierr"

	apperrors "github.com/meshpay/meshd/lib/errors"
)

// TunnelConfig configures a userspace tunnel.
type TunnelConfig struct {
	// PrivateKey is the node's WireGuard private key.
	PrivateKey wgtypes.Key
	// MeshIP is the node's address inside the tunnel.
	MeshIP netip.Addr
	// ListenPort is the WireGuard UDP port (0 for random).
	ListenPort uint16
	// MTU is the tunnel MTU.
	MTU int
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// UserspaceTunnel is a wireguard-go device on a netstack TUN. It serves
// the same counter queries as Kernel for nodes without kernel WireGuard.
type UserspaceTunnel struct {
	mu     sync.RWMutex
	dev    *device.Device
	clock  clock.Clock
	key    wgtypes.Key
	meshIP netip.Addr
	peers  map[wgtypes.Key][]netip.Prefix
	closed bool
}

// NewUserspaceTunnel creates and brings up a userspace tunnel.
func NewUserspaceTunnel(cfg TunnelConfig) (*UserspaceTunnel, error) {
	if !cfg.MeshIP.IsValid() {
		return nil, errors.New("invalid mesh IP")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 1420
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	tunDev, _, err := netstack.CreateNetTUN([]netip.Addr{cfg.MeshIP}, nil, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("creating netstack TUN: %w", err)
	}

	dev, err := startDevice(tunDev, cfg)
	if err != nil {
		return nil, err
	}

	log.WithField("mesh_ip", cfg.MeshIP).WithField("mtu", cfg.MTU).Info("created userspace tunnel")

	return &UserspaceTunnel{
		dev:    dev,
		clock:  cfg.Clock,
		key:    cfg.PrivateKey,
		meshIP: cfg.MeshIP,
		peers:  make(map[wgtypes.Key][]netip.Prefix),
	}, nil
}

func startDevice(tunDev tun.Device, cfg TunnelConfig) (*device.Device, error) {
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), device.NewLogger(device.LogLevelSilent, ""))

	ipc := fmt.Sprintf("private_key=%s\n", hexKey(cfg.PrivateKey))
	if cfg.ListenPort > 0 {
		ipc += fmt.Sprintf("listen_port=%d\n", cfg.ListenPort)
	}
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configuring device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("bringing up device: %w", err)
	}
	return dev, nil
}

// AddPeer adds or replaces a peer.
func (t *UserspaceTunnel) AddPeer(publicKey wgtypes.Key, allowedIPs []netip.Prefix, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return apperrors.ErrClosed
	}
	return t.addPeerLocked(publicKey, allowedIPs, endpoint)
}

// RemovePeer removes a peer.
func (t *UserspaceTunnel) RemovePeer(publicKey wgtypes.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return apperrors.ErrClosed
	}
	return t.removePeerLocked(publicKey)
}

// SyncPeers makes the device's peer set equal to peers. Peers missing from
// the map are removed, new ones are added and peers whose allowed IPs
// changed are updated in place so their counters survive.
func (t *UserspaceTunnel) SyncPeers(peers map[wgtypes.Key][]netip.Prefix) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return apperrors.ErrClosed
	}

	var errs error
	for k := range t.peers {
		if _, ok := peers[k]; !ok {
			errs = multierr.Append(errs, t.removePeerLocked(k))
		}
	}
	for k, ips := range peers {
		if have, ok := t.peers[k]; ok && slices.Equal(have, ips) {
			continue
		}
		errs = multierr.Append(errs, t.addPeerLocked(k, ips, ""))
	}
	return errs
}

func (t *UserspaceTunnel) addPeerLocked(publicKey wgtypes.Key, allowedIPs []netip.Prefix, endpoint string) error {
	var ipc strings.Builder
	fmt.Fprintf(&ipc, "public_key=%s\n", hexKey(publicKey))
	if endpoint != "" {
		fmt.Fprintf(&ipc, "endpoint=%s\n", endpoint)
	}
	ipc.WriteString("replace_allowed_ips=true\n")
	for _, p := range allowedIPs {
		fmt.Fprintf(&ipc, "allowed_ip=%s\n", p)
	}

	if err := t.dev.IpcSet(ipc.String()); err != nil {
		return fmt.Errorf("adding peer: %w", err)
	}
	t.peers[publicKey] = append([]netip.Prefix(nil), allowedIPs...)

	log.WithField("peer", publicKey.String()[:8]).WithField("allowed_ips", allowedIPs).Debug("added tunnel peer")
	return nil
}

func (t *UserspaceTunnel) removePeerLocked(publicKey wgtypes.Key) error {
	if err := t.dev.IpcSet(fmt.Sprintf("public_key=%s\nremove=true\n", hexKey(publicKey))); err != nil {
		return fmt.Errorf("removing peer: %w", err)
	}
	delete(t.peers, publicKey)
	return nil
}

// PeerCount returns the number of configured peers.
func (t *UserspaceTunnel) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// ReadCounters returns per-peer byte counters. The device name is ignored;
// a userspace tunnel is its own device.
func (t *UserspaceTunnel) ReadCounters(string) (map[wgtypes.Key]WgUsage, error) {
	peers, err := t.status()
	if err != nil {
		return nil, err
	}
	usage := make(map[wgtypes.Key]WgUsage, len(peers))
	for k, p := range peers {
		usage[k] = p.usage
	}
	return usage, nil
}

// ClientsOnline counts peers with a handshake within OnlineWindow.
func (t *UserspaceTunnel) ClientsOnline(string) (int, error) {
	peers, err := t.status()
	if err != nil {
		return 0, err
	}
	now := t.clock.Now()
	online := 0
	for _, p := range peers {
		if !p.lastHandshake.IsZero() && now.Sub(p.lastHandshake) < OnlineWindow {
			online++
		}
	}
	return online, nil
}

func (t *UserspaceTunnel) status() (map[wgtypes.Key]uapiPeer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, apperrors.ErrClosed
	}
	dump, err := t.dev.IpcGet()
	if err != nil {
		return nil, fmt.Errorf("reading device state: %w", err)
	}
	return parseUAPI(dump)
}

// PublicKey returns the tunnel's public key.
func (t *UserspaceTunnel) PublicKey() wgtypes.Key {
	return t.key.PublicKey()
}

// MeshIP returns the tunnel address.
func (t *UserspaceTunnel) MeshIP() netip.Addr {
	return t.meshIP
}

// Close shuts the device down. Closing twice is a no-op.
func (t *UserspaceTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.dev.Close()

	log.Info("closed userspace tunnel")
	return nil
}

type uapiPeer struct {
	usage         WgUsage
	lastHandshake time.Time
}

// parseUAPI extracts per-peer state from a UAPI "get" dump. Peer sections
// start at each public_key line.
func parseUAPI(dump string) (map[wgtypes.Key]uapiPeer, error) {
	peers := make(map[wgtypes.Key]uapiPeer)

	var (
		current wgtypes.Key
		peer    uapiPeer
		inPeer  bool
		sec     int64
		nsec    int64
	)
	flush := func() {
		if inPeer {
			if sec != 0 || nsec != 0 {
				peer.lastHandshake = time.Unix(sec, nsec)
			}
			peers[current] = peer
		}
	}

	sc := bufio.NewScanner(strings.NewReader(dump))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}

		if key == "public_key" {
			flush()
			k, err := parseHexKey(value)
			if err != nil {
				return nil, err
			}
			current, peer, inPeer, sec, nsec = k, uapiPeer{}, true, 0, 0
			continue
		}
		if !inPeer {
			continue
		}

		var err error
		switch key {
		case "rx_bytes":
			peer.usage.Download, err = strconv.ParseUint(value, 10, 64)
		case "tx_bytes":
			peer.usage.Upload, err = strconv.ParseUint(value, 10, 64)
		case "last_handshake_time_sec":
			sec, err = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s=%q: %w", key, value, err)
		}
	}
	flush()

	return peers, sc.Err()
}

func parseHexKey(s string) (wgtypes.Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("decoding public key: %w", err)
	}
	return wgtypes.NewKey(b)
}

// hexKey converts a WireGuard key to hex format for IPC.
func hexKey(key wgtypes.Key) string {
	return hex.EncodeToString(key[:])
}
