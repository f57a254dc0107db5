/*
Copyright 2024 Gateway Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vault encrypts Credential Records at rest (§3, §4.7). A Vault is
// keyed by the deployment secret (gwconfig.Config.DeploymentSecret); it
// never writes plaintext to disk or logs, and callers are expected to zero
// a decrypted secret immediately after use.
//
// There is no third-party AEAD wrapper in the reference stack for this:
// the teacher and the rest of the example pack reach for crypto/rand and
// the x/crypto primitives directly rather than through a sealed-box
// library, so this package follows suit with stdlib crypto/aes and
// crypto/cipher's GCM construction.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"

	"github.com/gravitational/trace"
)

// Vault seals and opens Credential Records using AES-256-GCM, with the key
// derived from a deployment secret.
type Vault struct {
	aead cipher.AEAD
}

// New derives a Vault's AEAD key from secret via SHA-256, giving a fixed
// 32-byte AES-256 key regardless of the secret's own length.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, trace.BadParameter("vault: deployment secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Vault{aead: aead}, nil
}

// Sealed is the at-rest record format: nonce || ciphertext || tag, stored
// as base64 so it can travel through a CredentialRef string unmolested.
type Sealed string

// Seal encrypts plaintext into a Sealed record. The caller's plaintext
// slice is zeroed before Seal returns; the caller should not have kept
// another reference to it.
func (v *Vault) Seal(plaintext []byte) (Sealed, error) {
	defer zero(plaintext)

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", trace.Wrap(err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return Sealed(base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a Sealed record back to plaintext. The returned slice is
// owned by the caller, which must call Zero on it as soon as it has been
// consumed (e.g. handed to the SSH client config) — the vault cannot
// enforce this itself once the bytes leave Open.
func (v *Vault) Open(s Sealed) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(s))
	if err != nil {
		return nil, trace.BadParameter("vault: malformed sealed record: %v", err)
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, trace.BadParameter("vault: sealed record shorter than nonce")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, trace.AccessDenied("vault: sealed record failed authentication")
	}
	return plaintext, nil
}

// zero overwrites b in place. Used both by Seal (plaintext the caller
// handed in) and by callers of Open once they're done with a secret.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Zero is the exported form of zero, for callers outside this package that
// hold a decrypted secret returned by Open.
func Zero(b []byte) { zero(b) }

// Ring is a process-wide registry of Credential Records keyed by an opaque
// CredentialRef (§3), so a `connect` frame can reference a secret the
// browser never has to resend. Refs are chosen by the caller of Store.
type Ring struct {
	mu    sync.Mutex
	vault *Vault
	store map[string]Sealed
}

// NewRing creates a Ring backed by v.
func NewRing(v *Vault) *Ring {
	return &Ring{vault: v, store: make(map[string]Sealed)}
}

// Store seals plaintext and keeps it under ref, replacing any record
// already stored there.
func (r *Ring) Store(ref string, plaintext []byte) error {
	sealed, err := r.vault.Seal(plaintext)
	if err != nil {
		return trace.Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[ref] = sealed
	return nil
}

// Resolve opens the Credential Record for ref, if one exists.
func (r *Ring) Resolve(ref string) ([]byte, error) {
	r.mu.Lock()
	sealed, ok := r.store[ref]
	r.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("vault: no credential stored for ref %q", ref)
	}
	return r.vault.Open(sealed)
}

// Forget discards a Credential Record, e.g. at session close.
func (r *Ring) Forget(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, ref)
}
