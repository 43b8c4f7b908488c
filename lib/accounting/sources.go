package accounting

import (
	"context"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/meshpay/meshd/lib/babel"
	"github.com/meshpay/meshd/lib/identity"
	"github.com/meshpay/meshd/lib/kernel"
	"github.com/meshpay/meshd/lib/ledger"
	"github.com/meshpay/meshd/lib/usage"
)

// RouteSession is an open session with the routing daemon.
type RouteSession interface {
	LocalFee() (uint32, error)
	SetLocalFee(fee uint32) error
	Routes() ([]babel.Route, error)
	Close() error
}

// RouteSource opens routing sessions.
type RouteSource interface {
	Open(ctx context.Context) (RouteSession, error)
}

// RouteSourceFunc adapts a function to RouteSource.
type RouteSourceFunc func(ctx context.Context) (RouteSession, error)

// Open calls f.
func (f RouteSourceFunc) Open(ctx context.Context) (RouteSession, error) {
	return f(ctx)
}

// BabelSource opens sessions through a babel dialer.
func BabelSource(d *babel.Dialer) RouteSource {
	return RouteSourceFunc(func(ctx context.Context) (RouteSession, error) {
		c, err := d.Open(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// CounterSource reads tunnel byte counters.
type CounterSource interface {
	ReadCounters(tunnel string) (map[wgtypes.Key]kernel.WgUsage, error)
	ClientsOnline(tunnel string) (int, error)
}

// IdentityProvider resolves the local identity.
type IdentityProvider interface {
	Identity() (identity.Identity, bool)
}

// DebtSink receives the debts of a billing cycle. It must not block.
type DebtSink interface {
	TrafficUpdate(ledger.TrafficUpdate)
}

// UsageSink receives the usage of a billing cycle. It must not block.
type UsageSink interface {
	UpdateUsage(usage.Update)
}
