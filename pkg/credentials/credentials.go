// SPDX-License-Identifier: MPL-2.0

// Package credentials stores registry bearer tokens keyed by registry host.
//
// The registry client reads a token for every request and never caches it.
// KeyringStore keeps tokens in the operating system keyring; MemoryStore is
// used in tests and for tokens supplied through the environment.
package credentials

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the keyring service name tokens are stored under.
const KeyringService = "protopm"

// ErrNotFound is returned when no credential is stored for a host.
var ErrNotFound = errors.New("credential not found")

type (
	// Store is the credential store collaborator. Get returns ErrNotFound
	// when no secret exists; an empty secret is never a valid credential.
	Store interface {
		Get(host string) (string, error)
		Set(host, secret string) error
		Delete(host string) error
	}

	// KeyringStore keeps secrets in the system keyring.
	KeyringStore struct {
		service string
	}

	// MemoryStore keeps secrets in process memory.
	MemoryStore struct {
		mu      sync.RWMutex
		secrets map[string]string
	}

	// EnvStore overlays a single token from the environment on top of another store.
	EnvStore struct {
		Host  string
		Token string
		Next  Store
	}
)

// NewKeyringStore returns a store backed by the system keyring.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{service: KeyringService}
}

// Get reads the secret for host from the keyring.
func (s *KeyringStore) Get(host string) (string, error) {
	secret, err := keyring.Get(s.service, host)
	if errors.Is(err, keyring.ErrNotFound) || (err == nil && secret == "") {
		return "", fmt.Errorf("%w for %s", ErrNotFound, host)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read keyring entry for %s: %w", host, err)
	}
	return secret, nil
}

// Set stores secret for host in the keyring.
func (s *KeyringStore) Set(host, secret string) error {
	if secret == "" {
		return fmt.Errorf("refusing to store empty credential for %s", host)
	}
	if err := keyring.Set(s.service, host, secret); err != nil {
		return fmt.Errorf("failed to store keyring entry for %s: %w", host, err)
	}
	return nil
}

// Delete removes the secret for host. Deleting a missing entry returns ErrNotFound.
func (s *KeyringStore) Delete(host string) error {
	err := keyring.Delete(s.service, host)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w for %s", ErrNotFound, host)
	}
	if err != nil {
		return fmt.Errorf("failed to delete keyring entry for %s: %w", host, err)
	}
	return nil
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// Get returns the secret for host.
func (s *MemoryStore) Get(host string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[host]
	if !ok || secret == "" {
		return "", fmt.Errorf("%w for %s", ErrNotFound, host)
	}
	return secret, nil
}

// Set stores secret for host.
func (s *MemoryStore) Set(host, secret string) error {
	if secret == "" {
		return fmt.Errorf("refusing to store empty credential for %s", host)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[host] = secret
	return nil
}

// Delete removes the secret for host.
func (s *MemoryStore) Delete(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[host]; !ok {
		return fmt.Errorf("%w for %s", ErrNotFound, host)
	}
	delete(s.secrets, host)
	return nil
}

// Get returns Token when host matches, otherwise defers to Next.
func (s *EnvStore) Get(host string) (string, error) {
	if s.Token != "" && strings.EqualFold(s.Host, host) {
		return s.Token, nil
	}
	if s.Next == nil {
		return "", fmt.Errorf("%w for %s", ErrNotFound, host)
	}
	return s.Next.Get(host)
}

// Set writes through to Next.
func (s *EnvStore) Set(host, secret string) error {
	if s.Next == nil {
		return errors.New("credential store is read-only")
	}
	return s.Next.Set(host, secret)
}

// Delete writes through to Next.
func (s *EnvStore) Delete(host string) error {
	if s.Next == nil {
		return errors.New("credential store is read-only")
	}
	return s.Next.Delete(host)
}

// HostOf normalizes a registry URL to the host key credentials are stored
// under: lowercase host plus a non-default port. A bare host is returned as is.
func HostOf(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid registry url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid registry url %q: missing host", raw)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "",
		u.Scheme == "https" && port == "443",
		u.Scheme == "http" && port == "80":
		return host, nil
	default:
		return net.JoinHostPort(host, port), nil
	}
}
