// Package router delivers signed messages between named components.
// Every envelope is Ed25519-signed by its author and verified against
// the key registry and the replay window before the handler runs.
package router

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meridianhq/meridian/model"
)

// Keypair is an Ed25519 signing identity for one component.
type Keypair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Public: pub, private: priv}, nil
}

// PrivateBytes returns a copy of the private key material, handed to a
// sandboxed child at spawn so it can sign its reply envelope.
func (k *Keypair) PrivateBytes() []byte {
	return append([]byte(nil), k.private...)
}

// Zero wipes the private key material. The keypair is unusable after.
func (k *Keypair) Zero() {
	for i := range k.private {
		k.private[i] = 0
	}
	k.private = nil
}

// Signer signs envelopes on behalf of one component.
type Signer struct {
	ComponentID string
	keys        *Keypair
}

// NewSigner binds a component ID to a keypair.
func NewSigner(componentID string, keys *Keypair) *Signer {
	return &Signer{ComponentID: componentID, keys: keys}
}

// Sign wraps a message in a signed envelope.
func (s *Signer) Sign(msg *model.AxisMessage) (*model.SignedEnvelope, error) {
	if s.keys == nil || s.keys.private == nil {
		return nil, fmt.Errorf("signer %s: key material unavailable", s.ComponentID)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	env := &model.SignedEnvelope{
		MessageID: model.NewMessageID(),
		Timestamp: time.Now().UTC(),
		Signer:    s.ComponentID,
		Payload:   payload,
	}
	env.Signature = ed25519.Sign(s.keys.private, env.SigningBytes())
	return env, nil
}

// Verify checks an envelope signature against a public key.
func Verify(pub ed25519.PublicKey, env *model.SignedEnvelope) bool {
	if len(pub) != ed25519.PublicKeySize || len(env.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, env.SigningBytes(), env.Signature)
}

// KeyRegistry maps component IDs to their public keys. Sandboxed tool
// processes register ephemeral keys here for the child's lifetime.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRegistry creates an empty key registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]ed25519.PublicKey)}
}

// Register associates a component ID with a public key, replacing any
// prior key.
func (r *KeyRegistry) Register(componentID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[componentID] = pub
}

// Remove deletes a component's key.
func (r *KeyRegistry) Remove(componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, componentID)
}

// Lookup returns the public key for a component ID.
func (r *KeyRegistry) Lookup(componentID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[componentID]
	return pub, ok
}
