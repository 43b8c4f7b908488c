// Package usage tracks how many bytes the node moved per usage category.
package usage

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshpay/meshd/lib/metrics"
)

// Kind is a usage category.
type Kind string

const (
	// KindExit is traffic this node carried to or from the internet.
	KindExit Kind = "exit"
	// KindClient is traffic this node consumed as a client.
	KindClient Kind = "client"
	// KindRelay is traffic this node forwarded between peers.
	KindRelay Kind = "relay"
)

// Valid reports whether k is a known category.
func (k Kind) Valid() bool {
	switch k {
	case KindExit, KindClient, KindRelay:
		return true
	}
	return false
}

// Update reports the bytes moved in one cycle and the price applied.
type Update struct {
	Kind  Kind
	Up    uint64
	Down  uint64
	Price uint32
}

// Totals are the accumulated figures of one category.
type Totals struct {
	Up        uint64
	Down      uint64
	LastPrice uint32
	Updates   uint64
}

// Tracker accumulates usage updates.
type Tracker struct {
	mu     sync.RWMutex
	totals map[Kind]Totals
	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		totals: make(map[Kind]Totals),
		logger: logger.With("component", "usage"),
	}
}

// UpdateUsage records an update. Unknown categories are logged and ignored.
func (t *Tracker) UpdateUsage(u Update) {
	if !u.Kind.Valid() {
		t.logger.Warn("ignoring usage update", "error", fmt.Errorf("unknown usage kind %q", u.Kind))
		return
	}

	t.mu.Lock()
	tot := t.totals[u.Kind]
	tot.Up += u.Up
	tot.Down += u.Down
	tot.LastPrice = u.Price
	tot.Updates++
	t.totals[u.Kind] = tot
	t.mu.Unlock()

	kind := string(u.Kind)
	metrics.UsageBytes.WithLabelValues(kind, "up").Add(float64(u.Up))
	metrics.UsageBytes.WithLabelValues(kind, "down").Add(float64(u.Down))
	metrics.UsagePrice.WithLabelValues(kind).Set(float64(u.Price))

	t.logger.Debug("usage updated", "kind", kind, "up", u.Up, "down", u.Down, "price", u.Price)
}

// Totals returns the accumulated figures for kind.
func (t *Tracker) Totals(kind Kind) Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totals[kind]
}
