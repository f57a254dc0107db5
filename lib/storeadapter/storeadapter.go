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

// Package storeadapter is the thin wrapper the core uses to talk to the
// external persistence collaborator described by spec.md §6.5: it resolves
// a Session's credentialRef into plaintext (via the Vault) at connect
// time and seals new credentials before handing them to Store, and it
// keeps a small in-process LRU of a principal's most recently used
// targets so the UI can offer them back without a round trip to Store on
// every keystroke. The Store interface itself is a collaborator contract,
// not implemented here: any DB lives behind it.
package storeadapter

import (
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru"

	"github.com/browserssh/gateway/lib/sshdial"
	"github.com/browserssh/gateway/lib/vault"
)

// CredentialRecord is the persisted, encrypted-at-rest shape of one
// target credential, keyed by an opaque id (the Session's credentialRef).
type CredentialRecord struct {
	ID     string
	Owner  string
	Mode   string // password|publicKey|agent, matching sshdial.Credential.Mode
	Sealed vault.Sealed
}

// Store is the external persistence surface (§6.5). The core only ever
// calls these four methods; any relational or key/value store can sit
// behind the interface.
type Store interface {
	GetCredential(id string) (CredentialRecord, error)
	PutCredential(rec CredentialRecord) error
	ListCredentialsByOwner(owner string) ([]CredentialRecord, error)
	LogSession(sessionID, principal string, target sshdial.Target, startedAt, endedAt time.Time, reason string) error
}

const defaultRecentHostCacheSize = 256

// Adapter wraps a Store with the Vault-backed seal/open round trip and a
// bounded recent-target hint cache, so callers in lib/session never
// touch raw plaintext credentials or the Store interface directly.
type Adapter struct {
	store Store
	vault *vault.Vault

	recent *lru.Cache // owner -> []sshdial.Target, most-recent-first
}

// New constructs an Adapter. cacheSize of 0 uses defaultRecentHostCacheSize.
func New(store Store, v *vault.Vault, cacheSize int) (*Adapter, error) {
	if store == nil {
		return nil, trace.BadParameter("store must be provided")
	}
	if v == nil {
		return nil, trace.BadParameter("vault must be provided")
	}
	if cacheSize <= 0 {
		cacheSize = defaultRecentHostCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Adapter{store: store, vault: v, recent: cache}, nil
}

// ResolveCredential loads and decrypts the credential referenced by id,
// yielding plaintext only in the returned Credential, which the caller is
// expected to hand straight to sshdial.Dialer.Dial and discard.
func (a *Adapter) ResolveCredential(id string) (sshdial.Credential, error) {
	rec, err := a.store.GetCredential(id)
	if err != nil {
		return sshdial.Credential{}, trace.Wrap(err)
	}
	plaintext, err := a.vault.Open(rec.Sealed)
	if err != nil {
		return sshdial.Credential{}, trace.Wrap(err)
	}
	defer vault.Zero(plaintext)

	switch rec.Mode {
	case "password":
		return sshdial.Credential{Mode: "password", Password: string(plaintext)}, nil
	case "publicKey", "agent":
		return sshdial.Credential{Mode: rec.Mode, PrivateKey: append([]byte(nil), plaintext...)}, nil
	default:
		return sshdial.Credential{}, trace.BadParameter("unsupported credential mode %q", rec.Mode)
	}
}

// StoreCredential seals plaintext and persists it under owner with the
// caller-supplied id (the credentialRef callers later pass to
// ResolveCredential). plaintext is zeroed before StoreCredential returns.
func (a *Adapter) StoreCredential(id, owner, mode string, plaintext []byte) error {
	sealed, err := a.vault.Seal(plaintext)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(a.store.PutCredential(CredentialRecord{ID: id, Owner: owner, Mode: mode, Sealed: sealed}))
}

// ListCredentialsByOwner passes through to Store; no secrets are
// decrypted or exposed here, only the sealed records' metadata.
func (a *Adapter) ListCredentialsByOwner(owner string) ([]CredentialRecord, error) {
	recs, err := a.store.ListCredentialsByOwner(owner)
	return recs, trace.Wrap(err)
}

// LogSession records a completed session's lifecycle and remembers the
// target as a recent-host hint for owner.
func (a *Adapter) LogSession(sessionID, principal string, target sshdial.Target, startedAt, endedAt time.Time, reason string) error {
	a.rememberTarget(principal, target)
	return trace.Wrap(a.store.LogSession(sessionID, principal, target, startedAt, endedAt, reason))
}

const maxRecentTargetsPerOwner = 10

func (a *Adapter) rememberTarget(owner string, target sshdial.Target) {
	existing, _ := a.recent.Get(owner)
	targets, _ := existing.([]sshdial.Target)

	filtered := targets[:0:0]
	for _, t := range targets {
		if t != target {
			filtered = append(filtered, t)
		}
	}
	filtered = append([]sshdial.Target{target}, filtered...)
	if len(filtered) > maxRecentTargetsPerOwner {
		filtered = filtered[:maxRecentTargetsPerOwner]
	}
	a.recent.Add(owner, filtered)
}

// RecentTargets returns owner's most-recently-used targets, most recent
// first. This is an in-process hint only: it is lost on restart and is
// never the system of record (ListCredentialsByOwner/Store is).
func (a *Adapter) RecentTargets(owner string) []sshdial.Target {
	existing, ok := a.recent.Get(owner)
	if !ok {
		return nil
	}
	targets, _ := existing.([]sshdial.Target)
	out := make([]sshdial.Target, len(targets))
	copy(out, targets)
	return out
}
