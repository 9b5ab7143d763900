// Package access implements identity minting and the reader/writer access
// control that gates every message delivery at the kernel boundary.
package access

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Kind classifies a Principal's place in the owner forest.
type Kind string

// The principal kinds recognized by the kernel.
const (
	KindKernel   Kind = "kernel"
	KindTopLevel Kind = "topLevel"
	KindResource Kind = "resource"
	KindFriend   Kind = "friend"
)

// Principal is a minted identity. Owner is stored as a UUID index into the
// owning Arena rather than a pointer, so the owner forest never forms a
// pointer cycle (spec.md 9, "owner graph").
type Principal struct {
	ID         uuid.UUID
	Kind       Kind
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey // kernel-only; nil for every non-kernel principal.
	OwnerID    uuid.UUID
	HasOwner   bool
	Name       string
	Role       string
	Metadata   map[string]interface{}
}

// PKR (Public-Key Record) is the opaque identity handle callers pass around.
// Equality is identity equality: two PKRs are equal iff they reference the
// same underlying Principal.
type PKR struct {
	principal *Principal
}

// Principal returns the PKR's backing Principal record.
func (p PKR) Principal() *Principal { return p.principal }

// PublicKey returns the principal's public key.
func (p PKR) PublicKey() ed25519.PublicKey {
	if p.principal == nil {
		return nil
	}
	return p.principal.PublicKey
}

// IsZero reports whether this PKR was never minted (the zero value).
func (p PKR) IsZero() bool { return p.principal == nil }

// Fingerprint renders a short blake2b digest of the principal's public key,
// suitable for log lines that must not print a full identity.
func (p PKR) Fingerprint() string {
	if p.principal == nil {
		return ""
	}
	sum := blake2b.Sum256(p.principal.PublicKey)
	return base64.RawURLEncoding.EncodeToString(sum[:9])
}

// Arena mints and stores Principals, indexed by uuid, acting as the single
// owner of principal memory so no other component holds a raw pointer
// forest.
type Arena struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Principal
	kgen func() (uuid.UUID, error)
}

// NewArena builds an empty Arena.
func NewArena() *Arena {
	return &Arena{byID: make(map[uuid.UUID]*Principal), kgen: uuid.NewV4}
}

// Mint allocates a new Principal of the given kind and name, optionally
// owned by owner, and returns its PKR. Only KindKernel principals receive a
// non-nil private key.
func (a *Arena) Mint(kind Kind, name string, owner *PKR) (PKR, error) {
	id, err := a.kgen()
	if err != nil {
		return PKR{}, errors.Wrap(err, "access: mint principal id")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PKR{}, errors.Wrap(err, "access: generate keypair")
	}
	p := &Principal{
		ID:        id,
		Kind:      kind,
		PublicKey: pub,
		Name:      name,
		Metadata:  make(map[string]interface{}),
	}
	if kind == KindKernel {
		p.privateKey = priv
	}
	if owner != nil && !owner.IsZero() {
		p.OwnerID = owner.principal.ID
		p.HasOwner = true
	}

	a.mu.Lock()
	a.byID[id] = p
	a.mu.Unlock()

	return PKR{principal: p}, nil
}

// Get looks up a Principal by id.
func (a *Arena) Get(id uuid.UUID) (*Principal, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.byID[id]
	return p, ok
}

// Owner resolves a PKR's owner PKR, if it has one.
func (a *Arena) Owner(p PKR) (PKR, bool) {
	if p.IsZero() || !p.principal.HasOwner {
		return PKR{}, false
	}
	owner, ok := a.Get(p.principal.OwnerID)
	if !ok {
		return PKR{}, false
	}
	return PKR{principal: owner}, true
}
