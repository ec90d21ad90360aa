package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// KeySet manages the bearer-token signing key and lets a verifier resolve
// a past key by kid, so rotating the active key never invalidates a
// token issued under the key it replaces.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// maxRetainedKeys bounds how many past signing keys InMemoryKeySet keeps
// addressable. At one rotation per process lifetime in typical operation
// this comfortably outlives DefaultTokenTTL; it exists to cap memory in a
// deployment that rotates unusually often, not as a normal eviction path.
const maxRetainedKeys = 10

// InMemoryKeySet holds Ed25519 signing keys addressable by kid, process-
// local. A production multi-replica deployment would back this with a
// shared KMS so every replica resolves the same kid; this implementation
// is what cmd/sealgated wires by default, with NewInMemoryKeySetFromSeed
// available when replicas need to agree on the initial key without one.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
	order      []string // kid creation order, oldest first; evictions pop index 0
}

// NewInMemoryKeySet generates a fresh signing key from crypto/rand.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{
		keys: make(map[string]ed25519.PrivateKey),
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewInMemoryKeySetFromSeed derives the initial signing key from a root
// seed via HKDF-SHA256 instead of crypto/rand, so every replica of a
// deployment that shares SEALGATE_ROOT_SEED boots with the same key
// without a coordination service. Subsequent Rotate calls still draw
// fresh entropy from crypto/rand; only bootstrap is deterministic.
func NewInMemoryKeySetFromSeed(seed []byte) (*InMemoryKeySet, error) {
	privateKey, kid, err := deriveSigningKey(seed)
	if err != nil {
		return nil, err
	}
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	ks.keys[kid] = privateKey
	ks.currentKID = kid
	ks.order = append(ks.order, kid)
	return ks, nil
}

func deriveSigningKey(seed []byte) (ed25519.PrivateKey, string, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte("sealgate-signing-key-v1"))
	material := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, "", fmt.Errorf("derive signing key: %w", err)
	}
	privateKey := ed25519.NewKeyFromSeed(material)
	kid := fmt.Sprintf("seed-%x", sha256.Sum256(material))[:16]
	return privateKey, kid, nil
}

// Rotate generates a new active signing key. Tokens already issued under
// the previous key stay verifiable: KeyFunc resolves by kid, not by
// "current", and Rotate only evicts once the ring exceeds
// maxRetainedKeys, evicting the single oldest kid rather than an
// arbitrary one.
func (ks *InMemoryKeySet) Rotate() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = privateKey
	ks.currentKID = kid
	ks.order = append(ks.order, kid)

	if len(ks.order) > maxRetainedKeys {
		oldest := ks.order[0]
		ks.order = ks.order[1:]
		delete(ks.keys, oldest)
	}
	return nil
}

func (ks *InMemoryKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}

		return key.Public(), nil
	}
}
