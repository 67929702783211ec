// SPDX-License-Identifier: MPL-2.0

package registryserver

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/protopm/protopm/pkg/cueutil"
)

//go:embed server_schema.cue
var serverSchema []byte

type (
	// Config is the server.cue document.
	Config struct {
		Listen  string        `json:"listen"`
		Storage StorageConfig `json:"storage"`
		Tokens  []TokenConfig `json:"tokens"`
	}

	// StorageConfig selects the storage backend.
	StorageConfig struct {
		Kind string    `json:"kind"`
		Dir  string    `json:"dir"`
		S3   *S3Config `json:"s3"`
	}

	// TokenConfig grants a token read or write access.
	TokenConfig struct {
		Token string `json:"token"`
		Write bool   `json:"write"`
	}
)

// LoadConfig reads and validates a server.cue file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read server config: %w", err)
	}
	return ParseConfig(data, path)
}

// ParseConfig validates data against the #Server schema.
func ParseConfig(data []byte, filename string) (*Config, error) {
	res, err := cueutil.ParseAndDecode[Config](serverSchema, data, "#Server", cueutil.WithFilename(filename))
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Options converts the configured tokens into server options.
func (c *Config) Options() []Option {
	opts := make([]Option, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		perm := PermissionRead
		if t.Write {
			perm = PermissionWrite
		}
		opts = append(opts, WithToken(AuthToken(t.Token), perm))
	}
	return opts
}

// OpenStorage builds the configured backend.
func (c *Config) OpenStorage() (Storage, error) {
	switch c.Storage.Kind {
	case "s3":
		if c.Storage.S3 == nil {
			return nil, fmt.Errorf("storage kind s3 needs an s3 section")
		}
		return NewS3Storage(NewS3Client(*c.Storage.S3), c.Storage.S3.Bucket, c.Storage.S3.Prefix), nil
	case "fs", "":
		if c.Storage.Dir == "" {
			return nil, fmt.Errorf("storage kind fs needs a dir")
		}
		return NewFSStorage(c.Storage.Dir)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", c.Storage.Kind)
	}
}
