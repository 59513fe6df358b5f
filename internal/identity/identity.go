// Package identity owns the device keypair used to sign relay events and
// derives the display alias shown next to every message.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/nbd-wtf/go-nostr"
)

// ErrCorruptKey is returned when the key file exists but cannot be decoded.
// The file is never overwritten in that case.
var ErrCorruptKey = errors.New("identity: corrupt key file")

// Identity is the local signing keypair. SecretKey never leaves the device.
type Identity struct {
	SecretKey []byte // 32 bytes
	PublicKey []byte // 32 bytes, x-only (BIP-340)
}

// SecretHex is the secret key in the hex form go-nostr signs with.
func (id Identity) SecretHex() string { return hex.EncodeToString(id.SecretKey) }

// PublicHex is the public key as it appears in event "pubkey" fields.
func (id Identity) PublicHex() string { return hex.EncodeToString(id.PublicKey) }

// Alias is the display alias of this identity.
func (id Identity) Alias() string { return Alias(id.PublicKey) }

// Manager loads the identity from keyFile, creating it on first use.
type Manager struct {
	keyFile string

	mu  sync.Mutex
	cur *Identity
}

func NewManager(keyFile string) *Manager {
	return &Manager{keyFile: keyFile}
}

// GetOrCreate returns the device identity. The first call on a fresh device
// generates a secp256k1 key and writes it once; every later call, including
// after a restart, returns the same key.
func (m *Manager) GetOrCreate() (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil {
		return *m.cur, nil
	}

	priv, isNew, err := loadOrCreateKey(m.keyFile)
	if err != nil {
		return Identity{}, err
	}

	id, err := fromPrivKey(priv)
	if err != nil {
		return Identity{}, err
	}
	if isNew {
		log.Printf("IDENTITY: generated new key %s (%s)", m.keyFile, id.Alias())
	} else {
		log.Printf("IDENTITY: loaded key %s (%s)", m.keyFile, id.Alias())
	}

	m.cur = &id
	return id, nil
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new secp256k1 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptKey, keyFile, err)
		}
		if priv.Type() != crypto.Secp256k1 {
			return nil, false, fmt.Errorf("%w: %s: key type %s, want secp256k1", ErrCorruptKey, keyFile, priv.Type())
		}
		return priv, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read identity key: %w", err)
	}

	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	created, err := writeKeyOnce(keyFile, raw)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// A sibling process raced us and won; use its key.
		return loadOrCreateKey(keyFile)
	}

	return priv, true, nil
}

// writeKeyOnce publishes raw at keyFile only if no key exists yet. The key is
// written to a temp file and hard-linked into place, so a reader never sees a
// partially written key file. It reports false when keyFile already existed.
func writeKeyOnce(keyFile string, raw []byte) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(keyFile), ".identity-*.tmp")
	if err != nil {
		return false, fmt.Errorf("save identity key: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return false, fmt.Errorf("save identity key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("save identity key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("save identity key: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return false, fmt.Errorf("save identity key: %w", err)
	}

	if err := os.Link(tmp.Name(), keyFile); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("save identity key: %w", err)
	}
	return true, nil
}

func fromPrivKey(priv crypto.PrivKey) (Identity, error) {
	sk, err := priv.Raw()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: raw key: %w", err)
	}
	pkHex, err := nostr.GetPublicKey(hex.EncodeToString(sk))
	if err != nil {
		return Identity{}, fmt.Errorf("identity: derive public key: %w", err)
	}
	pk, err := hex.DecodeString(pkHex)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: decode public key: %w", err)
	}
	return Identity{SecretKey: sk, PublicKey: pk}, nil
}
