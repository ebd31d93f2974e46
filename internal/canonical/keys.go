package canonical

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
)

const keyFilePerm = 0600

// KeyPair holds the ledger writer's signing identity.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

type keyFile struct {
	PubKey  []byte `json:"pub_key"`
	PrivKey []byte `json:"priv_key"`
}

// GenerateKeyPair creates a fresh ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// LoadKeyPair reads a key pair from a JSON key file. Malformed key material
// fails here, at load time, not later during signing.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}

	if len(kf.PrivKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(kf.PrivKey))
	}
	if len(kf.PubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(kf.PubKey))
	}

	return &KeyPair{
		Private: ed25519.PrivateKey(kf.PrivKey),
		Public:  ed25519.PublicKey(kf.PubKey),
	}, nil
}

// LoadOrGenerateKeyPair loads the key file if it exists, otherwise generates
// a key pair and persists it.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := kp.Save(path); err != nil {
			return nil, err
		}
		return kp, nil
	}
	return LoadKeyPair(path)
}

// Save writes the key pair to a JSON key file with restrictive permissions.
func (kp *KeyPair) Save(path string) error {
	data, err := json.Marshal(keyFile{
		PubKey:  kp.Public,
		PrivKey: kp.Private,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, keyFilePerm); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// PublicHex returns the hex encoding carried inside signed transactions.
func (kp *KeyPair) PublicHex() string {
	return fmt.Sprintf("%x", []byte(kp.Public))
}
