// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the name of the manifest file at a package root.
const FileName = "Proto.toml"

var (
	// ErrMalformedManifest is the sentinel error wrapped by MalformedManifestError.
	ErrMalformedManifest = errors.New("malformed manifest")
	// ErrUnknownField is the sentinel error wrapped by UnknownFieldError.
	ErrUnknownField = errors.New("unknown manifest field")
	// ErrDuplicateDependency is returned when two dependencies share a name.
	ErrDuplicateDependency = errors.New("duplicate dependency")
	// ErrKindRule is the sentinel error wrapped by KindRuleError.
	ErrKindRule = errors.New("package kind does not allow dependency")
)

type (
	// Manifest is the parsed content of a Proto.toml file.
	Manifest struct {
		// Package is nil for projects that only consume dependencies.
		Package *PackageInfo

		// Dependencies keeps declaration order for stable serialization.
		// Resolution treats it as a set keyed by name.
		Dependencies []Dependency
	}

	// PackageInfo describes the package a manifest publishes.
	PackageInfo struct {
		Kind        PackageKind
		Name        PackageName
		Version     Version
		Description string
		License     string
	}

	// Dependency is a declared requirement on another package.
	Dependency struct {
		Name       PackageName
		Kind       PackageKind
		Repository Repository
		Version    Constraint

		// Registry overrides the configured default registry URL when set.
		Registry string
	}

	// Source identifies where a package is fetched from: a registry base URL
	// and a repository within it.
	Source struct {
		URL        string
		Repository Repository
	}

	// MalformedManifestError is returned when a manifest is not valid TOML or
	// does not match the expected document shape.
	MalformedManifestError struct {
		Err error
	}

	// UnknownFieldError is returned in strict mode when the document carries
	// keys the manifest format does not define.
	UnknownFieldError struct {
		Fields []string
	}

	// KindRuleError is returned when a lib package declares a dependency on an api package.
	KindRuleError struct {
		Package    PackageID
		Dependency PackageID
	}

	// ParseOption configures Parse.
	ParseOption func(*parseOptions)

	parseOptions struct {
		strict bool
	}

	document struct {
		Package      *packageTable     `toml:"package,omitempty"`
		Dependencies []dependencyTable `toml:"dependencies,omitempty"`
	}

	packageTable struct {
		Type        string `toml:"type"`
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description,omitempty"`
		License     string `toml:"license,omitempty"`
	}

	dependencyTable struct {
		Name       string `toml:"name"`
		Repository string `toml:"repository"`
		Version    string `toml:"version"`
		Kind       string `toml:"kind,omitempty"`
		Registry   string `toml:"registry,omitempty"`
	}
)

// Error implements the error interface for MalformedManifestError.
func (e *MalformedManifestError) Error() string {
	return fmt.Sprintf("malformed manifest: %v", e.Err)
}

// Unwrap exposes both ErrMalformedManifest and the decoder error.
func (e *MalformedManifestError) Unwrap() []error {
	return []error{ErrMalformedManifest, e.Err}
}

// Error implements the error interface for UnknownFieldError.
func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown manifest field(s): %s", strings.Join(e.Fields, ", "))
}

// Unwrap returns ErrUnknownField for errors.Is() compatibility.
func (e *UnknownFieldError) Unwrap() error { return ErrUnknownField }

// Error implements the error interface for KindRuleError.
func (e *KindRuleError) Error() string {
	return fmt.Sprintf("%s package %q must not depend on %s package %q",
		e.Package.Kind, e.Package.Name, e.Dependency.Kind, e.Dependency.Name)
}

// Unwrap returns ErrKindRule for errors.Is() compatibility.
func (e *KindRuleError) Unwrap() error { return ErrKindRule }

// Strict makes Parse reject keys the manifest format does not define.
func Strict() ParseOption {
	return func(o *parseOptions) {
		o.strict = true
	}
}

// Parse decodes and validates a Proto.toml document.
func Parse(data []byte, opts ...ParseOption) (*Manifest, error) {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}

	var doc document
	dec := toml.NewDecoder(bytes.NewReader(data))
	if o.strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&doc); err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			fields := make([]string, 0, len(strictErr.Errors))
			for i := range strictErr.Errors {
				fields = append(fields, strings.Join(strictErr.Errors[i].Key(), "."))
			}
			return nil, &UnknownFieldError{Fields: fields}
		}
		return nil, &MalformedManifestError{Err: err}
	}

	m := doc.toManifest()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Marshal serializes the manifest to TOML. Dependencies are written in
// declaration order and default values are omitted, so Parse(Marshal(m))
// reproduces m.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(fromManifest(m)); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// ID returns the identity of the published package, if the manifest declares one.
func (m *Manifest) ID() (PackageID, bool) {
	if m.Package == nil {
		return PackageID{}, false
	}
	return PackageID{Name: m.Package.Name, Kind: m.Package.Kind}, true
}

// Dependency looks up a declared dependency by name.
func (m *Manifest) Dependency(name PackageName) (Dependency, bool) {
	for _, d := range m.Dependencies {
		if d.Name == name {
			return d, true
		}
	}
	return Dependency{}, false
}

// Validate checks every field of the manifest and the kind rule.
// All problems are reported together.
func (m *Manifest) Validate() error {
	var errs []error

	if p := m.Package; p != nil {
		if err := p.Name.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("package.name: %w", err))
		}
		if err := p.Kind.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("package.type: %w", err))
		}
		if err := p.Version.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("package.version: %w", err))
		}
		if p.License != "" {
			if err := ValidateLicense(p.License); err != nil {
				errs = append(errs, fmt.Errorf("package.license: %w", err))
			}
		}
	}

	seen := make(map[PackageName]int, len(m.Dependencies))
	for i, d := range m.Dependencies {
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("dependencies[%d]: %w", i, err))
			continue
		}
		if first, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("dependencies[%d]: %w %q (first declared at dependencies[%d])",
				i, ErrDuplicateDependency, d.Name, first))
			continue
		}
		seen[d.Name] = i
		if err := m.checkKindRule(d); err != nil {
			errs = append(errs, fmt.Errorf("dependencies[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (m *Manifest) checkKindRule(d Dependency) error {
	id, ok := m.ID()
	if !ok || id.Kind.Validate() != nil {
		return nil
	}
	if !id.Kind.MayDependOn(d.Kind) {
		return &KindRuleError{Package: id, Dependency: PackageID{Name: d.Name, Kind: d.Kind}}
	}
	return nil
}

// Validate checks a single dependency declaration.
func (d Dependency) Validate() error {
	var errs []error
	if err := d.Name.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("name: %w", err))
	}
	if err := d.Kind.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kind: %w", err))
	}
	if err := d.Repository.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("repository: %w", err))
	}
	if err := d.Version.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("version: %w", err))
	}
	if d.Registry != "" {
		if err := ValidateRegistry(d.Registry); err != nil {
			errs = append(errs, fmt.Errorf("registry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ID returns the identity the dependency refers to.
func (d Dependency) ID() PackageID {
	return PackageID{Name: d.Name, Kind: d.Kind}
}

// Source returns the registry reference of the dependency, falling back to
// defaultURL when the declaration does not name a registry.
func (d Dependency) Source(defaultURL string) Source {
	u := d.Registry
	if u == "" {
		u = defaultURL
	}
	return Source{URL: strings.TrimRight(u, "/"), Repository: d.Repository}
}

// String renders the requirement as "repository/name@constraint".
func (d Dependency) String() string {
	return fmt.Sprintf("%s/%s@%s", d.Repository, d.Name, d.Version)
}

// String renders the source as "url/repository".
func (s Source) String() string {
	return s.URL + "/" + string(s.Repository)
}

func (doc *document) toManifest() *Manifest {
	m := &Manifest{}
	if p := doc.Package; p != nil {
		m.Package = &PackageInfo{
			Kind:        PackageKind(p.Type),
			Name:        PackageName(p.Name),
			Version:     Version(p.Version),
			Description: p.Description,
			License:     p.License,
		}
	}
	if len(doc.Dependencies) > 0 {
		m.Dependencies = make([]Dependency, 0, len(doc.Dependencies))
	}
	for _, d := range doc.Dependencies {
		kind := PackageKind(d.Kind)
		if kind == "" {
			kind = KindLib
		}
		m.Dependencies = append(m.Dependencies, Dependency{
			Name:       PackageName(d.Name),
			Kind:       kind,
			Repository: Repository(d.Repository),
			Version:    Constraint(d.Version),
			Registry:   d.Registry,
		})
	}
	return m
}

func fromManifest(m *Manifest) *document {
	doc := &document{}
	if p := m.Package; p != nil {
		doc.Package = &packageTable{
			Type:        string(p.Kind),
			Name:        string(p.Name),
			Version:     string(p.Version),
			Description: p.Description,
			License:     p.License,
		}
	}
	for _, d := range m.Dependencies {
		kind := string(d.Kind)
		if d.Kind == KindLib {
			kind = ""
		}
		doc.Dependencies = append(doc.Dependencies, dependencyTable{
			Name:       string(d.Name),
			Repository: string(d.Repository),
			Version:    string(d.Version),
			Kind:       kind,
			Registry:   d.Registry,
		})
	}
	return doc
}
