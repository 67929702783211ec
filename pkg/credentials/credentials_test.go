// SPDX-License-Identifier: MPL-2.0

package credentials

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestHostOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://registry.example.com", want: "registry.example.com"},
		{in: "https://Registry.Example.com/artifactory/", want: "registry.example.com"},
		{in: "https://registry.example.com:443", want: "registry.example.com"},
		{in: "http://127.0.0.1:8080/api", want: "127.0.0.1:8080"},
		{in: "registry.example.com", want: "registry.example.com"},
		{in: "http://[::1]:9000", want: "[::1]:9000"},
		{in: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := HostOf(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("HostOf(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("HostOf(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("HostOf(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if _, err := s.Get("registry.example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set("registry.example.com", ""); err == nil {
		t.Error("empty secret must be rejected")
	}
	if err := s.Set("registry.example.com", "s3cret"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("registry.example.com")
	if err != nil || got != "s3cret" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if err := s.Delete("registry.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("registry.example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestEnvStore(t *testing.T) {
	t.Parallel()

	next := NewMemoryStore()
	if err := next.Set("other.example.com", "from-store"); err != nil {
		t.Fatal(err)
	}
	s := &EnvStore{Host: "registry.example.com", Token: "from-env", Next: next}

	if got, _ := s.Get("registry.example.com"); got != "from-env" {
		t.Errorf("Get() = %q, want from-env", got)
	}
	if got, _ := s.Get("other.example.com"); got != "from-store" {
		t.Errorf("Get() = %q, want from-store", got)
	}
	if _, err := (&EnvStore{}).Get("x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// Not parallel: keyring.MockInit swaps the process-wide provider.
func TestKeyringStore(t *testing.T) {
	keyring.MockInit()

	s := NewKeyringStore()
	if _, err := s.Get("registry.example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set("registry.example.com", "token"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get("registry.example.com")
	if err != nil || got != "token" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if err := s.Delete("registry.example.com"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete("registry.example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
