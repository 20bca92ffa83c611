// Package p2p implements peer admission, trust and chain sync over libp2p.
package p2p

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// LoadOrCreateIdentity returns the node key stored at path, generating and
// saving one on first use. An empty path gives an ephemeral identity.
func LoadOrCreateIdentity(path string, log zerolog.Logger) (crypto.PrivKey, peer.ID, error) {
	if path == "" {
		return generateIdentity()
	}
	key, id, err := loadIdentity(path)
	if err == nil {
		log.Info().Str("peer", id.String()).Str("path", path).Msg("loaded persistent identity")
		return key, id, nil
	}
	if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("load identity %s: %w", path, err)
	}
	key, id, err = generateIdentity()
	if err != nil {
		return nil, "", err
	}
	if err := saveIdentity(path, key); err != nil {
		return nil, "", fmt.Errorf("save identity to %s: %w", path, err)
	}
	log.Info().Str("peer", id.String()).Str("path", path).Msg("generated persistent identity")
	return key, id, nil
}

// loadIdentity loads an identity from disk
func loadIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}

	key, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, "", err
	}

	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, "", err
	}

	return key, id, nil
}

// saveIdentity saves an identity to disk
func saveIdentity(path string, key crypto.PrivKey) error {
	data, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// generateIdentity creates a new Ed25519 keypair for peer identity
func generateIdentity() (crypto.PrivKey, peer.ID, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", err
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}

	return priv, id, nil
}
