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

package sshdial

import (
	"fmt"
	"net"
	"os"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/browserssh/gateway"
)

// StrictVerifier rejects any host not already present in the known_hosts
// file at path.
type StrictVerifier struct {
	path string
}

// NewStrictVerifier checks that path exists at construction; a missing file
// is a configuration error, not a lazily-discovered one. The file itself is
// parsed again on every Callback.
func NewStrictVerifier(path string) (*StrictVerifier, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, trace.Wrap(err, "strict host key policy requires an existing known_hosts file")
	}
	return &StrictVerifier{path: path}, nil
}

func (v *StrictVerifier) Callback(Target) ssh.HostKeyCallback {
	cb, err := knownhosts.New(v.path)
	if err != nil {
		// Deferred to call time: returning an always-failing callback
		// surfaces the same PERMISSION classification a genuine mismatch
		// would, rather than panicking deep inside x/crypto/ssh.
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return trace.Wrap(err)
		}
	}
	return cb
}

// TOFUVerifier trusts a host's key the first time it is seen and persists
// it to known_hosts under a file lock, so multiple concurrent sessions
// dialing new hosts don't corrupt one another's writes (§6.4).
type TOFUVerifier struct {
	path  string
	lock  *flock.Flock
	cache *lru.Cache // hostname -> ssh.PublicKey marshaled form, recently-verified hint
}

// NewTOFUVerifier prepares a TOFU policy backed by the known_hosts file at
// path, creating it if absent. recentHostCacheSize bounds an in-memory
// hint cache of recently-verified hosts so that a burst of sessions to the
// same host doesn't all pay the file-lock round trip.
func NewTOFUVerifier(path string, recentHostCacheSize int) (*TOFUVerifier, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.Close()

	if recentHostCacheSize <= 0 {
		recentHostCacheSize = 256
	}
	cache, err := lru.New(recentHostCacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &TOFUVerifier{
		path:  path,
		lock:  flock.New(path + ".lock"),
		cache: cache,
	}, nil
}

func (v *TOFUVerifier) Callback(target Target) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		marshaled := string(key.Marshal())

		if hint, ok := v.cache.Get(hostname); ok && hint.(string) == marshaled {
			return nil
		}

		if err := v.lock.Lock(); err != nil {
			return trace.Wrap(err, "tofu: acquire known_hosts lock")
		}
		defer v.lock.Unlock()

		cb, err := knownhosts.New(v.path)
		if err == nil {
			if verifyErr := cb(hostname, remote, key); verifyErr == nil {
				v.cache.Add(hostname, marshaled)
				return nil
			} else if !knownhosts.IsHostKeyChanged(verifyErr) && knownhosts.IsHostUnknown(verifyErr) {
				// fall through to append below
			} else {
				return trace.AccessDenied("tofu: host key for %s changed since first trust", hostname)
			}
		}

		f, err := os.OpenFile(v.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return trace.Wrap(err)
		}
		defer f.Close()

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, err := fmt.Fprintln(f, line); err != nil {
			return trace.Wrap(err)
		}
		v.cache.Add(hostname, marshaled)
		log.WithField(trace.Component, gateway.ComponentDialer).
			WithField("host", hostname).Info("trusted new host key on first use")
		return nil
	}
}

// InsecureVerifier accepts any host key unconditionally. Dev/test only;
// gwconfig.Config.checkAndSetDefaults does not restrict its selection, but
// operators are expected to gate it behind their own deployment policy.
type InsecureVerifier struct{}

func (InsecureVerifier) Callback(Target) ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// NewVerifier builds the HostKeyVerifier named by policy (strict|tofu|insecure).
func NewVerifier(policy, knownHostsPath string, recentHostCacheSize int) (HostKeyVerifier, error) {
	switch policy {
	case "strict":
		return NewStrictVerifier(knownHostsPath)
	case "tofu":
		return NewTOFUVerifier(knownHostsPath, recentHostCacheSize)
	case "insecure":
		return InsecureVerifier{}, nil
	default:
		return nil, trace.BadParameter("unknown host key policy %q", policy)
	}
}
