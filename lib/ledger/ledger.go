// Package ledger keeps the running debt balance of every peer.
package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/meshpay/meshd/lib/identity"
	"github.com/meshpay/meshd/lib/metrics"
)

// DefaultQueueSize is the number of pending updates accepted before new
// ones are dropped.
const DefaultQueueSize = 64

// Traffic is a signed amount owed by a peer for one billing cycle.
// A negative amount means the peer owes this node.
type Traffic struct {
	From   identity.Identity
	Amount *big.Int
}

// TrafficUpdate is the batch produced by one billing cycle.
type TrafficUpdate struct {
	CycleID uuid.UUID
	Traffic []Traffic
}

// Debt is a peer's accumulated balance.
type Debt struct {
	Identity identity.Identity
	Balance  *big.Int
}

// DebtKeeper folds traffic updates into per-peer balances. Updates are
// queued without blocking the sender and applied by Run.
type DebtKeeper struct {
	updates chan TrafficUpdate
	logger  *slog.Logger
	dropped atomic.Uint64

	mu    sync.RWMutex
	debts map[wgtypes.Key]*Debt
}

// NewDebtKeeper creates a keeper with a queue of queueSize updates.
func NewDebtKeeper(queueSize int, logger *slog.Logger) *DebtKeeper {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DebtKeeper{
		updates: make(chan TrafficUpdate, queueSize),
		logger:  logger.With("component", "ledger"),
		debts:   make(map[wgtypes.Key]*Debt),
	}
}

// TrafficUpdate queues an update. It never blocks; when the queue is full
// the update is dropped and counted.
func (k *DebtKeeper) TrafficUpdate(u TrafficUpdate) {
	select {
	case k.updates <- u:
	default:
		k.dropped.Add(1)
		metrics.SinkUpdatesDropped.WithLabelValues("ledger").Inc()
		k.logger.Warn("debt keeper queue full, dropping traffic update",
			"cycle", u.CycleID,
			"entries", len(u.Traffic))
	}
}

// Run applies queued updates until ctx is done.
func (k *DebtKeeper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-k.updates:
			k.Apply(u)
		}
	}
}

// Apply folds an update into the balances synchronously.
func (k *DebtKeeper) Apply(u TrafficUpdate) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, t := range u.Traffic {
		if t.Amount == nil {
			continue
		}
		key := t.From.WgPublicKey
		d, ok := k.debts[key]
		if !ok {
			d = &Debt{Balance: new(big.Int)}
			k.debts[key] = d
		}
		d.Identity = t.From
		d.Balance.Add(d.Balance, t.Amount)
	}
	metrics.LedgerPeers.Set(float64(len(k.debts)))

	k.logger.Debug("applied traffic update", "cycle", u.CycleID, "entries", len(u.Traffic))
}

// Balance returns a copy of the peer's balance and whether the peer has one.
func (k *DebtKeeper) Balance(key wgtypes.Key) (*big.Int, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	d, ok := k.debts[key]
	if !ok {
		return new(big.Int), false
	}
	return new(big.Int).Set(d.Balance), true
}

// Snapshot returns a copy of every balance, ordered by public key.
func (k *DebtKeeper) Snapshot() []Debt {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]Debt, 0, len(k.debts))
	for _, d := range k.debts {
		out = append(out, Debt{Identity: d.Identity, Balance: new(big.Int).Set(d.Balance)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.WgPublicKey.String() < out[j].Identity.WgPublicKey.String()
	})
	return out
}

// Dropped returns how many updates were dropped because the queue was full.
func (k *DebtKeeper) Dropped() uint64 {
	return k.dropped.Load()
}
