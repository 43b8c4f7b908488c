package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/multierr"

	apperrors "github.com/meshpay/meshd/lib/errors"
	"github.com/meshpay/meshd/lib/metrics"
)

// Defaults for the discovery protocol.
const (
	DefaultPort = 4876
	// recvBufferSize only needs to hold an ImHere plus room for forward
	// compatible extensions; larger datagrams are dropped as truncated.
	recvBufferSize = 100
)

// DefaultMulticastIP is the link-local group ImHere packets are sent to.
var DefaultMulticastIP = netip.MustParseAddr("ff02::1:8")

// Config configures the discovery engine.
type Config struct {
	// Port is the UDP port both sockets of every interface bind.
	Port uint16
	// MulticastIP is the discovery group.
	MulticastIP netip.Addr
	// Interfaces are registered by Start.
	Interfaces []string
	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Peer is a neighbor heard during the most recent tick.
type Peer struct {
	// IfIndex is the index of the interface the peer was heard on.
	IfIndex uint32
	// Contact is the peer's address and hello port, scoped to the interface.
	Contact netip.AddrPort
}

// Stats are the engine's cumulative counters.
type Stats struct {
	Ticks            uint64
	Announced        uint64
	AnnounceFailures uint64
	Dropped          map[string]uint64
}

// Engine discovers neighbors on the registered interfaces.
//
// Tick, Listen and Unlisten are serialized; Peers may be called at any time.
type Engine struct {
	mu         sync.Mutex
	config     Config
	logger     *slog.Logger
	kernel     Kernel
	binder     Binder
	interfaces map[string]*ListenInterface
	configured map[string]struct{}
	stats      Stats

	peersMu sync.RWMutex
	peers   map[netip.Addr]Peer
}

// NewEngine creates an engine. No socket is bound until Start or Listen.
func NewEngine(cfg Config, kernel Kernel, binder Binder) *Engine {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if !cfg.MulticastIP.IsValid() {
		cfg.MulticastIP = DefaultMulticastIP
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	configured := make(map[string]struct{}, len(cfg.Interfaces))
	for _, name := range cfg.Interfaces {
		configured[name] = struct{}{}
	}

	return &Engine{
		config:     cfg,
		logger:     logger.With("component", "discovery"),
		kernel:     kernel,
		binder:     binder,
		interfaces: make(map[string]*ListenInterface),
		configured: configured,
		stats:      Stats{Dropped: make(map[string]uint64)},
		peers:      make(map[netip.Addr]Peer),
	}
}

// Start registers every configured interface. Interfaces that fail to bind
// are logged and skipped.
func (e *Engine) Start() {
	e.logger.Info("peer discovery starting",
		"port", e.config.Port,
		"group", e.config.MulticastIP,
		"interfaces", e.config.Interfaces)

	// Listen logs its own failures.
	for _, name := range e.config.Interfaces {
		_ = e.Listen(name)
	}
}

// Listen adds ifname to the interfaces on which peers are announced and
// heard. Listening twice on the same name is a no-op that leaves the
// existing sockets untouched.
func (e *Engine) Listen(ifname string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.interfaces[ifname]; ok {
		e.logger.Error("attempted a double listen", "interface", ifname)
		return fmt.Errorf("listen %s: %w", ifname, apperrors.ErrAlreadyExists)
	}

	li, err := newListenInterface(ifname, e.config, e.kernel, e.binder, e.logger)
	if err != nil {
		e.logger.Error("failed to listen on interface", "interface", ifname, "error", err)
		return err
	}

	e.interfaces[ifname] = li
	e.configured[ifname] = struct{}{}
	metrics.InterfacesListening.Set(float64(len(e.interfaces)))

	e.logger.Info("listening for peers", "interface", ifname, "link_local", li.linkLocalIP)
	return nil
}

// Unlisten stops announcing and listening on ifname and releases its
// sockets.
func (e *Engine) Unlisten(ifname string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	li, ok := e.interfaces[ifname]
	if !ok {
		e.logger.Error("tried to unlisten an interface that is not present", "interface", ifname)
		return fmt.Errorf("unlisten %s: %w", ifname, apperrors.ErrNotFound)
	}

	delete(e.interfaces, ifname)
	delete(e.configured, ifname)
	metrics.InterfacesListening.Set(float64(len(e.interfaces)))

	if err := li.close(); err != nil {
		e.logger.Warn("closing listen interface", "interface", ifname, "error", err)
	}
	e.logger.Info("stopped listening for peers", "interface", ifname)
	return nil
}

// Tick announces this node on every interface, then rebuilds the peer
// table from the announcements queued since the previous tick.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Debug("starting discovery tick", "interfaces", len(e.interfaces))

	if err := e.announce(); err != nil {
		e.logger.Error("sending ImHere failed", "error", err)
	}

	peers := e.receive()

	e.peersMu.Lock()
	e.peers = peers
	e.peersMu.Unlock()

	e.stats.Ticks++
	metrics.DiscoveryTicks.Inc()
	metrics.PeersDiscovered.Set(float64(len(peers)))
}

// announce sends ImHere on every interface. A failure on one interface
// does not stop the others.
func (e *Engine) announce() error {
	var errs error
	for _, li := range e.interfaces {
		if err := li.announce(); err != nil {
			e.stats.AnnounceFailures++
			metrics.AnnounceFailures.Inc()
			errs = multierr.Append(errs, err)
			continue
		}
		e.stats.Announced++
		metrics.AnnouncementsSent.Inc()
	}
	return errs
}

// receive drains every multicast socket and builds a fresh peer table.
// The first announcement of an address in a tick wins.
func (e *Engine) receive() map[netip.Addr]Peer {
	output := make(map[netip.Addr]Peer)

	for _, li := range e.interfaces {
		var datagram [recvBufferSize]byte
		for {
			n, from, truncated, err := li.multicast.ReadFrom(datagram[:])
			if err != nil {
				if !errors.Is(err, apperrors.ErrWouldBlock) {
					e.logger.Warn("reading discovery socket", "interface", li.name, "error", err)
				}
				break
			}

			if truncated {
				e.drop(metrics.DropTruncated, li, "oversized datagram", "from", from)
				continue
			}

			ip, err := DecodeImHere(datagram[:n])
			if err != nil {
				e.drop(metrics.DropDecode, li, "ImHere decode failed", "from", from, "error", err)
				continue
			}

			if ip == li.linkLocalIP {
				e.drop(metrics.DropSelf, li, "got ImHere from myself")
				continue
			}

			if _, ok := output[ip]; ok {
				e.drop(metrics.DropDuplicate, li, "already have a peer for this cycle", "ip", ip)
				continue
			}

			e.logger.Debug("ImHere", "interface", li.name, "ip", ip)
			output[ip] = Peer{
				IfIndex: li.index,
				Contact: netip.AddrPortFrom(ip.WithZone(li.name), e.config.Port),
			}
		}
	}

	return output
}

func (e *Engine) drop(reason string, li *ListenInterface, msg string, args ...any) {
	e.stats.Dropped[reason]++
	metrics.PacketsDropped.WithLabelValues(reason).Inc()
	e.logger.Debug(msg, append([]any{"interface", li.name, "reason", reason}, args...)...)
}

// Peers returns a copy of the current peer table keyed by peer IP.
func (e *Engine) Peers() map[netip.Addr]Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()

	result := make(map[netip.Addr]Peer, len(e.peers))
	for ip, p := range e.peers {
		result[ip] = p
	}
	return result
}

// Interfaces returns the names of the interfaces currently bound.
func (e *Engine) Interfaces() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.interfaces))
	for name := range e.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfiguredInterfaces returns the interface set to persist in the
// configuration: the configured names plus successful Listen calls, minus
// Unlisten calls.
func (e *Engine) ConfiguredInterfaces() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.configured))
	for name := range e.configured {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a copy of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.Dropped = make(map[string]uint64, len(e.stats.Dropped))
	for k, v := range e.stats.Dropped {
		s.Dropped[k] = v
	}
	return s
}

// Close releases every interface's sockets.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs error
	for name, li := range e.interfaces {
		errs = multierr.Append(errs, li.close())
		delete(e.interfaces, name)
	}
	metrics.InterfacesListening.Set(0)
	return errs
}
