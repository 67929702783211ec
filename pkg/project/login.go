// SPDX-License-Identifier: MPL-2.0

package project

import (
	"errors"
	"fmt"
	"strings"

	"github.com/protopm/protopm/pkg/credentials"
	"github.com/protopm/protopm/pkg/manifest"
)

// ErrEmptyToken is returned by Login when the token is blank.
var ErrEmptyToken = errors.New("token must not be empty")

// Login stores token for the registry at registryURL. An empty URL means
// the default registry.
func (p *Project) Login(registryURL, token string) error {
	host, err := p.credentialHost(registryURL)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	if err := p.creds.Set(host, token); err != nil {
		return fmt.Errorf("failed to store credential for %s: %w", host, err)
	}
	p.logger.Info("logged in", "registry", host)
	return nil
}

// Logout deletes the stored token for registryURL. Logging out of a registry
// without a stored token is not an error.
func (p *Project) Logout(registryURL string) error {
	host, err := p.credentialHost(registryURL)
	if err != nil {
		return err
	}
	if err := p.creds.Delete(host); err != nil && !errors.Is(err, credentials.ErrNotFound) {
		return fmt.Errorf("failed to delete credential for %s: %w", host, err)
	}
	p.logger.Info("logged out", "registry", host)
	return nil
}

func (p *Project) credentialHost(registryURL string) (string, error) {
	if registryURL == "" {
		registryURL = p.defaultRegistry
	}
	if registryURL == "" {
		return "", ErrNoRegistry
	}
	if err := manifest.ValidateRegistry(registryURL); err != nil {
		return "", err
	}
	if p.creds == nil {
		return "", errors.New("no credential store configured")
	}
	return credentials.HostOf(registryURL)
}
