// Package identity manages node identities for the meshd network.
// A node is identified by its WireGuard public key and its mesh IP. The
// local WireGuard private key is persisted to disk and loaded on startup.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyFileName is the default filename for the persisted WireGuard key.
const KeyFileName = "wg_key.json"

// Identity is a peer's network identity. It is comparable and can be used
// as a map key.
type Identity struct {
	// WgPublicKey is the peer's WireGuard public key; it also names the tunnel.
	WgPublicKey wgtypes.Key
	// MeshIP is the peer's address inside the mesh.
	MeshIP netip.Addr
	// EthAddress is the payment address debts are settled against.
	EthAddress string
	// Nickname is an optional human-readable name.
	Nickname string
}

// String returns a short form suitable for logs.
func (id Identity) String() string {
	key := id.WgPublicKey.String()
	if id.Nickname != "" {
		return fmt.Sprintf("%s(%s %s)", id.Nickname, key[:8], id.MeshIP)
	}
	return fmt.Sprintf("%s…(%s)", key[:8], id.MeshIP)
}

// Validate checks that the identity can take part in billing.
func (id Identity) Validate() error {
	if id.WgPublicKey == (wgtypes.Key{}) {
		return errors.New("wireguard public key is required")
	}
	if !id.MeshIP.IsValid() {
		return errors.New("mesh ip is required")
	}
	return nil
}

// KeyPair holds the local WireGuard key.
type KeyPair struct {
	PrivateKey wgtypes.Key
	CreatedAt  time.Time
}

// PublicKey returns the WireGuard public key.
func (k *KeyPair) PublicKey() wgtypes.Key {
	return k.PrivateKey.PublicKey()
}

// persistedKey is the JSON-serializable form of KeyPair.
type persistedKey struct {
	PrivateKey string    `json:"private_key"`
	PublicKey  string    `json:"public_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewKeyPair generates a fresh WireGuard keypair.
func NewKeyPair() (*KeyPair, error) {
	privateKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating WireGuard private key: %w", err)
	}
	return &KeyPair{PrivateKey: privateKey, CreatedAt: time.Now()}, nil
}

// LoadKeyPair loads a keypair from a JSON file.
// Returns nil, nil if the file doesn't exist (caller should create one).
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	var p persistedKey
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}

	privateKey, err := wgtypes.ParseKey(p.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing WireGuard private key: %w", err)
	}

	if p.PublicKey != privateKey.PublicKey().String() {
		return nil, errors.New("WireGuard public key mismatch in key file")
	}

	return &KeyPair{PrivateKey: privateKey, CreatedAt: p.CreatedAt}, nil
}

// LoadOrCreateKeyPair loads the keypair at path, generating and saving a
// new one if none exists.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	kp, err := LoadKeyPair(path)
	if err != nil {
		return nil, err
	}
	if kp != nil {
		return kp, nil
	}

	kp, err = NewKeyPair()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}

// Save persists the keypair to a JSON file.
// Creates the parent directory if it doesn't exist.
func (k *KeyPair) Save(path string) error {
	p := persistedKey{
		PrivateKey: k.PrivateKey.String(),
		PublicKey:  k.PublicKey().String(),
		CreatedAt:  k.CreatedAt,
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming key file: %w", err)
	}

	return nil
}
