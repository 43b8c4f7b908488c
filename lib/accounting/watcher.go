// Package accounting bills peers for the traffic this node carries for them.
//
// Each billing cycle combines the per-destination prices advertised by the
// routing daemon with the byte counters of the WireGuard tunnel. Bytes a
// peer sent through this node are charged at the local fee; bytes this
// node sent toward a peer are charged at the peer's route price plus the
// local fee. Debts are handed to a ledger and never persisted here.
package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/meshpay/meshd/lib/errors"
	"github.com/meshpay/meshd/lib/identity"
	"github.com/meshpay/meshd/lib/kernel"
	"github.com/meshpay/meshd/lib/ledger"
	"github.com/meshpay/meshd/lib/metrics"
	"github.com/meshpay/meshd/lib/ratelimit"
	"github.com/meshpay/meshd/lib/usage"
)

// DefaultTunnel is the WireGuard device carrying client traffic.
const DefaultTunnel = "wg_exit"

// DefaultWarnInterval is how often the same per-peer warning is logged.
const DefaultWarnInterval = 10 * time.Minute

// maxWarnKeys bounds the per-peer warning table.
const maxWarnKeys = 4096

// Config configures a TrafficWatcher.
type Config struct {
	// Tunnel is the WireGuard device whose counters are billed.
	Tunnel string
	// LocalFee is pushed to the routing daemon when it has none.
	LocalFee uint32
	// MaxFee caps the route price charged for any destination.
	MaxFee uint32
	// MaxTrackedTunnels bounds the usage history.
	MaxTrackedTunnels int
	// WarnInterval throttles warnings that repeat for the same peer every
	// cycle. Suppressed repeats are logged at debug level.
	WarnInterval time.Duration
	// Clock drives warning throttling. Defaults to the wall clock.
	Clock clock.Clock
	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Sources are the collaborators a TrafficWatcher reads from and reports to.
type Sources struct {
	Identity IdentityProvider
	Routes   RouteSource
	Counters CounterSource
	Debts    DebtSink
	Usage    UsageSink
}

// TrafficWatcher runs billing cycles. Cycles are serialized.
type TrafficWatcher struct {
	mu      sync.Mutex
	config  Config
	logger  *slog.Logger
	src     Sources
	history *History
	warns   *ratelimit.KeyedLimiter
}

// NewTrafficWatcher creates a watcher with an empty usage history.
func NewTrafficWatcher(cfg Config, src Sources) (*TrafficWatcher, error) {
	if src.Identity == nil || src.Routes == nil || src.Counters == nil || src.Debts == nil || src.Usage == nil {
		return nil, fmt.Errorf("traffic watcher: all sources are required: %w", apperrors.ErrInvalidInput)
	}
	if cfg.Tunnel == "" {
		cfg.Tunnel = DefaultTunnel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = DefaultWarnInterval
	}

	history, err := NewHistory(cfg.MaxTrackedTunnels)
	if err != nil {
		return nil, fmt.Errorf("creating usage history: %w", err)
	}

	return &TrafficWatcher{
		config:  cfg,
		logger:  logger.With("component", "accounting"),
		src:     src,
		history: history,
		warns:   ratelimit.NewKeyed(cfg.Clock, ratelimit.Every(cfg.WarnInterval), 1, maxWarnKeys),
	}, nil
}

// Watch runs one billing cycle for knownClients. It fails without emitting
// anything when the local identity, the routing session or the counters
// are unavailable.
func (w *TrafficWatcher) Watch(ctx context.Context, knownClients []identity.Identity) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cycleID := uuid.New()
	logger := w.logger.With("cycle", cycleID.String())
	start := time.Now()

	err := w.watch(ctx, cycleID, logger, knownClients)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	metrics.TrackedTunnels.Set(float64(w.history.Len()))

	if err != nil {
		metrics.BillingCycles.WithLabelValues("aborted").Inc()
		logger.Error("billing cycle aborted", "error", err)
		return err
	}
	metrics.BillingCycles.WithLabelValues("ok").Inc()
	return nil
}

func (w *TrafficWatcher) watch(ctx context.Context, cycleID uuid.UUID, logger *slog.Logger, clients []identity.Identity) error {
	self, ok := w.src.Identity.Identity()
	if !ok {
		logger.Warn("our identity is not ready")
		return fmt.Errorf("billing: %w", apperrors.ErrIdentityNotReady)
	}

	byKey, byIP := GenerateHelperMaps(self, clients)

	localFee, prices, err := w.routeInfo(ctx, logger, self, byIP)
	if err != nil {
		return err
	}

	counters, err := w.src.Counters.ReadCounters(w.config.Tunnel)
	if err != nil {
		logger.Warn("error getting counters, traffic has gone unaccounted", "tunnel", w.config.Tunnel, "error", err)
		return fmt.Errorf("reading %s counters: %w: %w", w.config.Tunnel, apperrors.ErrCounterRead, err)
	}

	debts := make(map[identity.Identity]*big.Int, len(byKey))
	for _, id := range byKey {
		debts[id] = new(big.Int)
	}

	billedUp, billedDown := w.bill(logger, counters, byKey, prices, localFee, debts)

	w.emit(logger, cycleID, debts, billedUp, billedDown, localFee)
	return nil
}

// routeInfo reads the local fee and the destination prices from one
// routing session.
func (w *TrafficWatcher) routeInfo(ctx context.Context, logger *slog.Logger, self identity.Identity, byIP map[netip.Addr]identity.Identity) (uint32, map[wgtypes.Key]uint64, error) {
	session, err := w.src.Routes.Open(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("opening routing session: %w: %w", apperrors.ErrRoutingSession, err)
	}
	defer session.Close()

	localFee, err := session.LocalFee()
	if err != nil {
		logger.Error("babel fee not set properly, pushing configured fee",
			"local_fee", w.config.LocalFee,
			"error", err)
		if err := session.SetLocalFee(w.config.LocalFee); err != nil {
			return 0, nil, fmt.Errorf("setting local fee: %w: %w", apperrors.ErrRoutingSession, err)
		}
		localFee = w.config.LocalFee
	}

	routes, err := session.Routes()
	if err != nil {
		return 0, nil, fmt.Errorf("reading routes: %w: %w", apperrors.ErrRoutingSession, err)
	}
	logger.Debug("got routes", "count", len(routes), "local_fee", localFee)

	prices, unknown := DestinationPrices(routes, self, localFee, byIP, w.config.MaxFee)
	for _, ip := range unknown {
		w.warnOnce(logger, "no-destination/"+ip.String(), "can't find destination for client", "ip", ip)
		metrics.PeersSkipped.WithLabelValues(metrics.SkipNoIdentity).Inc()
	}
	return localFee, prices, nil
}

// bill charges every known peer for the bytes moved since its last cycle
// and advances the usage history. Debts are negative: the peer owes us.
func (w *TrafficWatcher) bill(
	logger *slog.Logger,
	counters map[wgtypes.Key]kernel.WgUsage,
	byKey map[wgtypes.Key]identity.Identity,
	prices map[wgtypes.Key]uint64,
	localFee uint32,
	debts map[identity.Identity]*big.Int,
) (billedUp, billedDown uint64) {
	for key, now := range counters {
		prev, seen := w.history.Get(key)
		if !seen {
			logger.Debug("first sighting of tunnel, starting counter here",
				"peer", key.String(),
				"upload", now.Upload,
				"download", now.Download)
			metrics.PeersSkipped.WithLabelValues(metrics.SkipNoHistory).Inc()
			w.remember(logger, key, now)
			continue
		}

		id, known := byKey[key]
		price, routed := prices[key]

		switch {
		case now.Download < prev.Download:
			logger.Warn("download counter went backwards, tunnel was reset", "peer", key.String())
			metrics.PeersSkipped.WithLabelValues(metrics.SkipCounterReset).Inc()
			prev.Download = 0
		case known:
			used := now.Download - prev.Download
			value := mulUint64(uint64(localFee), used)
			logger.Debug("billing download", "peer", id.String(), "bytes", used, "price", localFee, "value", value.String())
			debts[id].Sub(debts[id], value)
			prev.Download = now.Download
			billedDown += used
		}

		switch {
		case now.Upload < prev.Upload:
			logger.Warn("upload counter went backwards, tunnel was reset", "peer", key.String())
			metrics.PeersSkipped.WithLabelValues(metrics.SkipCounterReset).Inc()
			prev.Upload = 0
		case known && routed:
			used := now.Upload - prev.Upload
			value := mulUint64(price+uint64(localFee), used)
			logger.Debug("billing upload", "peer", id.String(), "bytes", used, "price", price+uint64(localFee), "value", value.String())
			debts[id].Sub(debts[id], value)
			prev.Upload = now.Upload
			billedUp += used
		case known:
			// No destination price: the traffic is forgiven, not deferred.
			prev.Upload = now.Upload
		}

		w.remember(logger, key, prev)

		switch {
		case !known:
			w.warnOnce(logger, "no-identity/"+key.String(), "no identity for tunnel counter", "peer", key.String())
			metrics.PeersSkipped.WithLabelValues(metrics.SkipNoIdentity).Inc()
		case !routed:
			logger.Debug("have an identity but no destination, upload not billed", "peer", id.String())
			metrics.PeersSkipped.WithLabelValues(metrics.SkipNoDestination).Inc()
		}
	}

	metrics.BilledBytes.WithLabelValues("up").Add(float64(billedUp))
	metrics.BilledBytes.WithLabelValues("down").Add(float64(billedDown))
	return billedUp, billedDown
}

// warnOnce logs a recurring per-peer warning at most once per WarnInterval.
func (w *TrafficWatcher) warnOnce(logger *slog.Logger, key, msg string, args ...any) {
	if w.warns.Allow(key) {
		logger.Warn(msg, args...)
		return
	}
	logger.Debug(msg, args...)
}

func (w *TrafficWatcher) remember(logger *slog.Logger, key wgtypes.Key, u kernel.WgUsage) {
	if w.history.Set(key, u) {
		logger.Warn("usage history full, evicted least recently billed tunnel")
	}
}

// emit reports the cycle to the sinks.
func (w *TrafficWatcher) emit(logger *slog.Logger, cycleID uuid.UUID, debts map[identity.Identity]*big.Int, up, down uint64, localFee uint32) {
	logger.Info("billed traffic this round", "download", down, "upload", up)

	w.src.Usage.UpdateUsage(usage.Update{
		Kind:  usage.KindExit,
		Up:    up,
		Down:  down,
		Price: localFee,
	})

	income := new(big.Int)
	traffic := make([]ledger.Traffic, 0, len(debts))
	for id, amount := range debts {
		income.Sub(income, amount)
		if amount.Sign() != 0 {
			traffic = append(traffic, ledger.Traffic{From: id, Amount: amount})
		}
	}
	sort.Slice(traffic, func(i, j int) bool {
		return traffic[i].From.WgPublicKey.String() < traffic[j].From.WgPublicKey.String()
	})

	logger.Info("computed debts", "clients", len(debts), "billed", len(traffic), "total_income", income.String())

	if online, err := w.src.Counters.ClientsOnline(w.config.Tunnel); err != nil {
		logger.Warn("getting clients online failed", "error", err)
	} else {
		logger.Info("clients online", "count", online)
	}

	if len(traffic) > 0 {
		w.src.Debts.TrafficUpdate(ledger.TrafficUpdate{CycleID: cycleID, Traffic: traffic})
	}
}

// TrackedTunnels returns the number of tunnels in the usage history.
func (w *TrafficWatcher) TrackedTunnels() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.history.Len()
}

func mulUint64(a, b uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
}
