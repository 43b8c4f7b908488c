package identity

import (
	"fmt"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Provider resolves the local node's identity. The identity is unresolved
// until both a key and a mesh IP are known.
type Provider struct {
	mu       sync.RWMutex
	identity Identity
	ready    bool
}

// NewProvider creates an unresolved provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Set resolves the local identity. Invalid identities leave the provider
// unresolved.
func (p *Provider) Set(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = id
	p.ready = id.Validate() == nil
}

// Identity returns the local identity and whether it is resolved.
func (p *Provider) Identity() (Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identity, p.ready
}

// ClientEntry is the configured form of a known client.
type ClientEntry struct {
	WgPublicKey string `toml:"wg_public_key"`
	MeshIP      string `toml:"mesh_ip"`
	EthAddress  string `toml:"eth_address"`
	Nickname    string `toml:"nickname,omitempty"`
}

// Parse converts the entry to an Identity.
func (c ClientEntry) Parse() (Identity, error) {
	key, err := wgtypes.ParseKey(c.WgPublicKey)
	if err != nil {
		return Identity{}, fmt.Errorf("client %q: parsing wg_public_key: %w", c.Nickname, err)
	}
	ip, err := netip.ParseAddr(c.MeshIP)
	if err != nil {
		return Identity{}, fmt.Errorf("client %q: parsing mesh_ip: %w", c.Nickname, err)
	}
	return Identity{
		WgPublicKey: key,
		MeshIP:      ip,
		EthAddress:  c.EthAddress,
		Nickname:    c.Nickname,
	}, nil
}

// ClientList is a replaceable set of known clients.
type ClientList struct {
	mu      sync.RWMutex
	clients []Identity
}

// NewClientList builds a list from configured entries.
func NewClientList(entries []ClientEntry) (*ClientList, error) {
	l := &ClientList{}
	if err := l.Replace(entries); err != nil {
		return nil, err
	}
	return l, nil
}

// Replace swaps the list contents. On error the list is unchanged.
func (l *ClientList) Replace(entries []ClientEntry) error {
	clients := make([]Identity, 0, len(entries))
	for _, e := range entries {
		id, err := e.Parse()
		if err != nil {
			return err
		}
		clients = append(clients, id)
	}

	l.mu.Lock()
	l.clients = clients
	l.mu.Unlock()
	return nil
}

// Clients returns a copy of the known clients.
func (l *ClientList) Clients() []Identity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Identity(nil), l.clients...)
}
