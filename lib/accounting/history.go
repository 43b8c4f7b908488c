package accounting

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/meshpay/meshd/lib/kernel"
)

// DefaultMaxTrackedTunnels bounds the usage history.
const DefaultMaxTrackedTunnels = 65536

// History holds the last accounted counters of each tunnel. The least
// recently billed tunnels are evicted once the bound is reached; an evicted
// tunnel is re-baselined on its next sighting and so can only be
// undercharged.
type History struct {
	cache *lru.Cache[wgtypes.Key, kernel.WgUsage]
}

// NewHistory creates a history holding at most size tunnels.
func NewHistory(size int) (*History, error) {
	if size <= 0 {
		size = DefaultMaxTrackedTunnels
	}
	cache, err := lru.New[wgtypes.Key, kernel.WgUsage](size)
	if err != nil {
		return nil, err
	}
	return &History{cache: cache}, nil
}

// Get returns the last accounted counters of key.
func (h *History) Get(key wgtypes.Key) (kernel.WgUsage, bool) {
	return h.cache.Get(key)
}

// Set records the accounted counters of key. It reports whether another
// tunnel was evicted to make room.
func (h *History) Set(key wgtypes.Key, usage kernel.WgUsage) bool {
	return h.cache.Add(key, usage)
}

// Len returns the number of tracked tunnels.
func (h *History) Len() int {
	return h.cache.Len()
}
