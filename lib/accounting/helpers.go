package accounting

import (
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/meshpay/meshd/lib/babel"
	"github.com/meshpay/meshd/lib/identity"
)

// GenerateHelperMaps indexes the known clients by WireGuard key and by mesh
// IP. The local node is added to the IP index only, so that its own route
// resolves while its counters are never billed.
func GenerateHelperMaps(self identity.Identity, clients []identity.Identity) (map[wgtypes.Key]identity.Identity, map[netip.Addr]identity.Identity) {
	byKey := make(map[wgtypes.Key]identity.Identity, len(clients))
	byIP := make(map[netip.Addr]identity.Identity, len(clients)+1)

	byIP[self.MeshIP.WithZone("")] = self
	for _, id := range clients {
		byKey[id.WgPublicKey] = id
		byIP[id.MeshIP.WithZone("")] = id
	}
	return byKey, byIP
}

// DestinationPrices maps each reachable known peer to the price of its
// route. Only installed IPv6 single-host routes count, since mesh addresses
// are IPv6, and prices are capped at
// maxFee. The local node is priced at localFee. The addresses of host
// routes that match no known identity are returned separately.
func DestinationPrices(routes []babel.Route, self identity.Identity, localFee uint32, byIP map[netip.Addr]identity.Identity, maxFee uint32) (map[wgtypes.Key]uint64, []netip.Addr) {
	prices := make(map[wgtypes.Key]uint64, len(routes)+1)
	prices[self.WgPublicKey] = uint64(localFee)

	var unknown []netip.Addr
	for _, r := range routes {
		addr := r.Prefix.Addr()
		if !r.Installed || !r.IsHost() || !addr.Is6() || addr.Is4In6() {
			continue
		}
		id, ok := byIP[addr]
		if !ok {
			unknown = append(unknown, addr)
			continue
		}
		prices[id.WgPublicKey] = uint64(min(r.Price, maxFee))
	}
	return prices, unknown
}
