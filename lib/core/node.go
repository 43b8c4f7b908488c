package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/meshpay/meshd/lib/accounting"
	"github.com/meshpay/meshd/lib/babel"
	"github.com/meshpay/meshd/lib/discovery"
	apperrors "github.com/meshpay/meshd/lib/errors"
	"github.com/meshpay/meshd/lib/identity"
	"github.com/meshpay/meshd/lib/kernel"
	"github.com/meshpay/meshd/lib/ledger"
	"github.com/meshpay/meshd/lib/metrics"
	"github.com/meshpay/meshd/lib/resilience"
	"github.com/meshpay/meshd/lib/usage"
)

// NodeState represents the current state of the node.
type NodeState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial NodeState = iota
	// StateStarting means the node is in the process of starting.
	StateStarting
	// StateRunning means the node is fully operational.
	StateRunning
	// StateStopping means the node is shutting down.
	StateStopping
	// StateStopped means the node has been stopped.
	StateStopped
)

func (s NodeState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Deps replaces the node's system collaborators. Nil fields get the
// production implementation.
type Deps struct {
	Clock    clock.Clock
	Kernel   discovery.Kernel
	Binder   discovery.Binder
	Counters accounting.CounterSource
	Routes   accounting.RouteSource
}

// components are the engines built by Start and torn down by run.
type components struct {
	keys      *identity.KeyPair
	identity  *identity.Provider
	clients   *identity.ClientList
	discovery *discovery.Engine
	watcher   *accounting.TrafficWatcher
	debts     *ledger.DebtKeeper
	usage     *usage.Tracker
	scheduler *Scheduler
	routes    accounting.RouteSource

	// tunnel is set when billing runs on a userspace tunnel; its peers
	// follow the client list.
	tunnel  *kernel.UserspaceTunnel
	peersMu sync.Mutex
	closers []io.Closer
}

// Node is the main orchestrator for a meshd node. It runs neighbor
// discovery and the billing cycle of the exit tunnel on fixed intervals.
type Node struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger
	deps   Deps
	state  NodeState
	comp   *components

	// cancel is used to signal shutdown to all goroutines
	cancel context.CancelFunc
	// done signals that the node has fully stopped
	done chan struct{}

	// startedAt tracks when the node started
	startedAt time.Time

	onStateChange func(oldState, newState NodeState)
	onError       func(err error, message string)
}

// NewNode creates a new Node with the given configuration.
// The node is not started until Start() is called.
func NewNode(cfg *Config, logger *slog.Logger) (*Node, error) {
	return NewNodeWithDeps(cfg, logger, Deps{})
}

// NewNodeWithDeps creates a Node whose system collaborators are taken from
// deps where set.
func NewNodeWithDeps(cfg *Config, logger *slog.Logger, deps Deps) (*Node, error) {
	if cfg == nil {
		return nil, apperrors.ErrNodeConfigRequired
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrNodeInvalidConfig, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	return &Node{
		config: cfg,
		logger: logger.With("component", "node"),
		deps:   deps,
		state:  StateInitial,
		done:   make(chan struct{}),
	}, nil
}

// Start builds and starts all node components:
//   - the data directory and WireGuard key
//   - the local identity and the known client list
//   - the counter source (kernel device or userspace tunnel)
//   - peer discovery on the configured interfaces
//   - the babeld session source, debt keeper and usage tracker
//   - the scheduler driving discovery ticks and billing cycles
//
// Start returns once every component is running.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateInitial && n.state != StateStopped {
		n.mu.Unlock()
		return fmt.Errorf("%w: cannot start in state %s", apperrors.ErrNodeInvalidState, n.state)
	}
	oldState := n.state
	n.state = StateStarting
	n.done = make(chan struct{})
	n.mu.Unlock()

	n.emitStateChange(oldState, StateStarting)

	n.logger.Info("starting node",
		"name", n.config.Node.Name,
		"data_dir", n.config.Node.DataDir,
	)

	if err := n.config.EnsureDataDir(); err != nil {
		n.transitionToStopped()
		n.emitError(err, "failed to create data directory")
		return fmt.Errorf("creating data directory: %w", err)
	}

	comp, err := n.build()
	if err != nil {
		n.transitionToStopped()
		n.emitError(err, "failed to build node components")
		return err
	}

	n.pushMetricFactor(ctx, comp.routes)
	comp.discovery.Start()

	nodeCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(nodeCtx)
	g.Go(func() error { return comp.debts.Run(gctx) })
	g.Go(func() error { return comp.scheduler.Run(gctx) })
	if n.config.Metrics.Enabled {
		srv, ln, err := n.listenMetrics()
		if err != nil {
			cancel()
			_ = g.Wait()
			n.closeComponents(comp)
			n.transitionToStopped()
			n.emitError(err, "failed to start metrics server")
			return err
		}
		g.Go(func() error { return serveMetrics(gctx, srv, ln) })
	}

	n.mu.Lock()
	n.comp = comp
	n.cancel = cancel
	n.state = StateRunning
	n.startedAt = n.deps.Clock.Now()
	n.mu.Unlock()

	metrics.RecordStartTime()
	n.emitStateChange(StateStarting, StateRunning)
	n.logger.Info("node started",
		"public_key", comp.keys.PublicKey().String(),
		"interfaces", comp.discovery.Interfaces(),
		"clients", len(comp.clients.Clients()))

	go n.run(g, comp)

	return nil
}

// build creates every component. On error the ones already created are
// closed.
func (n *Node) build() (_ *components, err error) {
	cfg := n.config
	comp := &components{}
	defer func() {
		if err != nil {
			n.closeComponents(comp)
		}
	}()

	comp.keys, err = identity.LoadOrCreateKeyPair(cfg.DataPath(identity.KeyFileName))
	if err != nil {
		return nil, fmt.Errorf("loading WireGuard key: %w", err)
	}

	comp.identity = identity.NewProvider()
	if cfg.Network.MeshIP != "" {
		comp.identity.Set(identity.Identity{
			WgPublicKey: comp.keys.PublicKey(),
			MeshIP:      netip.MustParseAddr(cfg.Network.MeshIP),
			EthAddress:  cfg.Payment.EthAddress,
			Nickname:    cfg.Node.Name,
		})
	} else {
		n.logger.Warn("network.mesh_ip is not set, billing cycles will abort until it is")
	}

	comp.clients, err = identity.NewClientList(cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("loading clients: %w", err)
	}

	sys := kernel.New()
	comp.closers = append(comp.closers, sys)

	counters := n.deps.Counters
	if counters == nil {
		counters, err = n.counterSource(sys, comp)
		if err != nil {
			return nil, err
		}
	}

	linkKernel := n.deps.Kernel
	if linkKernel == nil {
		linkKernel = sys
	}
	binder := n.deps.Binder
	if binder == nil {
		binder = discovery.NewBinder()
	}
	comp.discovery = discovery.NewEngine(discovery.Config{
		Port:        cfg.Network.HelloPort,
		MulticastIP: netip.MustParseAddr(cfg.Network.DiscoveryIP),
		Interfaces:  cfg.Network.PeerInterfaces,
		Logger:      n.logger,
	}, linkKernel, binder)
	comp.closers = append(comp.closers, comp.discovery)

	comp.routes = n.deps.Routes
	if comp.routes == nil {
		dialer := babel.NewDialer(cfg.Network.BabelPort, resilience.CircuitBreakerConfig{Clock: n.deps.Clock}, n.logger)
		comp.routes = accounting.BabelSource(dialer)
	}

	comp.debts = ledger.NewDebtKeeper(cfg.Accounting.LedgerQueue, n.logger)
	comp.usage = usage.NewTracker(n.logger)

	comp.watcher, err = accounting.NewTrafficWatcher(accounting.Config{
		Tunnel:            cfg.Exit.Tunnel,
		LocalFee:          cfg.Payment.LocalFee,
		MaxFee:            cfg.Payment.MaxFee,
		MaxTrackedTunnels: cfg.Accounting.MaxTrackedTunnels,
		Clock:             n.deps.Clock,
		Logger:            n.logger,
	}, accounting.Sources{
		Identity: comp.identity,
		Routes:   comp.routes,
		Counters: counters,
		Debts:    comp.debts,
		Usage:    comp.usage,
	})
	if err != nil {
		return nil, err
	}

	comp.scheduler = NewScheduler(n.deps.Clock, n.logger)
	if err := comp.scheduler.Add("discovery", time.Duration(cfg.Network.DiscoveryInterval), func(context.Context) error {
		comp.discovery.Tick()
		return nil
	}); err != nil {
		return nil, err
	}
	if err := comp.scheduler.Add("billing", time.Duration(cfg.Accounting.BillingInterval), func(ctx context.Context) error {
		return comp.watcher.Watch(ctx, comp.clients.Clients())
	}); err != nil {
		return nil, err
	}

	return comp, nil
}

// counterSource returns the device whose counters are billed.
func (n *Node) counterSource(sys *kernel.Kernel, comp *components) (accounting.CounterSource, error) {
	cfg := n.config
	if cfg.Network.UserspaceTunnel {
		tunnel, err := kernel.NewUserspaceTunnel(kernel.TunnelConfig{
			PrivateKey: comp.keys.PrivateKey,
			MeshIP:     netip.MustParseAddr(cfg.Network.MeshIP),
			ListenPort: uint16(cfg.Exit.ListenPort),
			Clock:      n.deps.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("creating userspace tunnel: %w", err)
		}
		comp.closers = append(comp.closers, tunnel)
		comp.tunnel = tunnel
		if err := syncTunnelPeers(comp); err != nil {
			return nil, fmt.Errorf("adding client peers: %w", err)
		}
		return tunnel, nil
	}

	if cfg.Exit.Setup {
		if err := sys.SetupTunnel(cfg.Exit.Tunnel, comp.keys.PrivateKey, cfg.Exit.ListenPort); err != nil {
			return nil, fmt.Errorf("setting up %s: %w", cfg.Exit.Tunnel, err)
		}
	}
	return sys, nil
}

// pushMetricFactor hands the configured metric factor to babeld. Failure
// is not fatal; babeld keeps its own default.
func (n *Node) pushMetricFactor(ctx context.Context, routes accounting.RouteSource) {
	if n.config.Network.MetricFactor == 0 {
		return
	}
	session, err := routes.Open(ctx)
	if err != nil {
		n.logger.Warn("babeld unavailable, metric factor not set", "error", err)
		return
	}
	defer session.Close()

	setter, ok := session.(interface{ SetMetricFactor(uint32) error })
	if !ok {
		return
	}
	if err := setter.SetMetricFactor(n.config.Network.MetricFactor); err != nil {
		n.logger.Warn("setting babel metric factor failed", "error", err)
	}
}

func (n *Node) listenMetrics() (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", n.config.Metrics.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", n.config.Metrics.Listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	n.logger.Info("serving metrics", "addr", ln.Addr().String())
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln, nil
}

func serveMetrics(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// run waits for the node's goroutines to exit, then releases resources.
func (n *Node) run(g *errgroup.Group, comp *components) {
	defer close(n.done)

	if err := g.Wait(); err != nil {
		n.logger.Error("node component failed", "error", err)
		n.emitError(err, "node component failed")
	}

	n.logger.Info("node shutting down")
	n.closeComponents(comp)

	n.mu.Lock()
	oldState := n.state
	n.state = StateStopped
	n.mu.Unlock()

	n.emitStateChange(oldState, StateStopped)
}

func (n *Node) closeComponents(comp *components) {
	var errs error
	for i := len(comp.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, comp.closers[i].Close())
	}
	if errs != nil {
		n.logger.Warn("closing node components", "error", errs)
	}
}

// Stop gracefully shuts down the node.
// It blocks until all components have stopped or the context is cancelled.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return fmt.Errorf("%w: cannot stop in state %s", apperrors.ErrNodeInvalidState, n.state)
	}
	n.state = StateStopping
	cancel := n.cancel
	done := n.done
	n.mu.Unlock()

	n.emitStateChange(StateRunning, StateStopping)
	n.logger.Info("stopping node")

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		n.logger.Info("node stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transitionToStopped updates the state to stopped.
func (n *Node) transitionToStopped() {
	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
}

// Peers returns the neighbors heard in the last discovery tick.
func (n *Node) Peers() map[netip.Addr]discovery.Peer {
	comp := n.components()
	if comp == nil {
		return nil
	}
	return comp.discovery.Peers()
}

// Listen starts discovery on an additional interface.
func (n *Node) Listen(ifname string) error {
	comp := n.components()
	if comp == nil {
		return fmt.Errorf("%w: cannot listen in state %s", apperrors.ErrNodeInvalidState, n.State())
	}
	return comp.discovery.Listen(ifname)
}

// Unlisten stops discovery on an interface.
func (n *Node) Unlisten(ifname string) error {
	comp := n.components()
	if comp == nil {
		return fmt.Errorf("%w: cannot unlisten in state %s", apperrors.ErrNodeInvalidState, n.State())
	}
	return comp.discovery.Unlisten(ifname)
}

// Debts returns the accumulated balance of every billed peer.
func (n *Node) Debts() []ledger.Debt {
	comp := n.components()
	if comp == nil {
		return nil
	}
	return comp.debts.Snapshot()
}

// Usage returns the usage totals for kind.
func (n *Node) Usage(kind usage.Kind) usage.Totals {
	comp := n.components()
	if comp == nil {
		return usage.Totals{}
	}
	return comp.usage.Totals(kind)
}

// syncTunnelPeers makes every known client a peer of the userspace tunnel,
// routed by its mesh address.
func syncTunnelPeers(comp *components) error {
	if comp.tunnel == nil {
		return nil
	}
	clients := comp.clients.Clients()
	peers := make(map[wgtypes.Key][]netip.Prefix, len(clients))
	for _, id := range clients {
		peers[id.WgPublicKey] = []netip.Prefix{netip.PrefixFrom(id.MeshIP, id.MeshIP.BitLen())}
	}
	return comp.tunnel.SyncPeers(peers)
}

// ReplaceClients swaps the known client list used by the next billing
// cycle. On a userspace tunnel the device's peers are updated to match.
func (n *Node) ReplaceClients(entries []identity.ClientEntry) error {
	comp := n.components()
	if comp == nil {
		return fmt.Errorf("%w: cannot replace clients in state %s", apperrors.ErrNodeInvalidState, n.State())
	}

	comp.peersMu.Lock()
	defer comp.peersMu.Unlock()
	if err := comp.clients.Replace(entries); err != nil {
		return err
	}
	if err := syncTunnelPeers(comp); err != nil {
		return fmt.Errorf("updating tunnel peers: %w", err)
	}
	n.mu.Lock()
	n.config.Clients = entries
	n.mu.Unlock()
	return nil
}

// PublicKey returns the node's WireGuard public key once started.
func (n *Node) PublicKey() (string, bool) {
	comp := n.components()
	if comp == nil {
		return "", false
	}
	return comp.keys.PublicKey().String(), true
}

func (n *Node) components() *components {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateRunning {
		return nil
	}
	return n.comp
}

// State returns the current state of the node.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Config returns the node's configuration.
func (n *Node) Config() *Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config
}

// Done returns a channel that is closed when the node has stopped.
func (n *Node) Done() <-chan struct{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.done
}

// StartedAt returns when the node was started.
// Returns zero time if not started.
func (n *Node) StartedAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.startedAt
}

// Uptime returns how long the node has been running.
// Returns zero if not running.
func (n *Node) Uptime() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.startedAt.IsZero() || n.state != StateRunning {
		return 0
	}
	return n.deps.Clock.Since(n.startedAt)
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (n *Node) SetOnStateChange(callback func(oldState, newState NodeState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStateChange = callback
}

// SetOnError sets a callback for error events.
// The callback is invoked when recoverable errors occur.
func (n *Node) SetOnError(callback func(err error, message string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onError = callback
}

// emitStateChange notifies the state change callback if set.
func (n *Node) emitStateChange(oldState, newState NodeState) {
	n.mu.RLock()
	callback := n.onStateChange
	n.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

// emitError notifies the error callback if set.
func (n *Node) emitError(err error, message string) {
	n.mu.RLock()
	callback := n.onError
	n.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
