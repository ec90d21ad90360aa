package seal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds one or more Ed25519 signing keys addressable by ID, so
// rotation never invalidates seals already issued under a prior key.
// Verifiers look up the public key carried in the seal, never a single
// global key.
type KeyRing struct {
	mu         sync.RWMutex
	keys       map[string]ed25519.PrivateKey
	activeID   string
}

// NewKeyRing creates an empty keyring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PrivateKey)}
}

// GenerateKey creates a new Ed25519 key, adds it to the ring under keyID,
// and makes it the active signing key.
func (k *KeyRing) GenerateKey(keyID string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("seal: key generation failed: %w", err)
	}
	return k.AddKey(keyID, priv)
}

// AddKey registers an externally provisioned private key (key material
// provisioned out of band) and makes it active.
func (k *KeyRing) AddKey(keyID string, priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("seal: invalid private key size for %q", keyID)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = priv
	k.activeID = keyID
	return nil
}

// ActiveKeyID returns the ID of the key new seals are signed with.
func (k *KeyRing) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID
}

// Sign signs data with the active key and returns (keyID, signatureHex,
// publicKeyHex).
func (k *KeyRing) Sign(data []byte) (keyID, signatureHex, publicKeyHex string, err error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.activeID == "" {
		return "", "", "", fmt.Errorf("seal: no active signing key")
	}
	priv := k.keys[k.activeID]
	sig := ed25519.Sign(priv, data)
	pub := priv.Public().(ed25519.PublicKey)
	return k.activeID, hex.EncodeToString(sig), hex.EncodeToString(pub), nil
}

// Verify checks a signature against the public key embedded in the seal;
// it never needs to consult the keyring by key ID, since the public key
// travels with the seal. It is exposed on KeyRing for
// symmetry and so a single type can be depended on by callers.
func (k *KeyRing) Verify(publicKeyHex, signatureHex string, data []byte) (bool, error) {
	return VerifyDetached(publicKeyHex, signatureHex, data)
}

// VerifyDetached verifies a signature using only the hex-encoded public
// key and signature, with no keyring lookup required.
func VerifyDetached(publicKeyHex, signatureHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("seal: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("seal: invalid public key size")
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("seal: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}

// KeyIDs returns all registered key IDs in deterministic (sorted) order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
