// SPDX-License-Identifier: MPL-2.0

// Package manifest models Proto.toml, the package descriptor of a protopm project.
//
// A manifest optionally declares the package it publishes (the [package] table,
// carrying identity, kind and version) and an ordered list of dependency
// requirements ([[dependencies]]). Parsing validates the document completely:
// names, kinds, versions, constraints, repositories, licenses and the kind rule
// (a lib package never depends on an api package).
//
// # Usage
//
//	m, err := manifest.Parse(data, manifest.Strict())
//	if err != nil {
//	    return err
//	}
//	out, err := m.Marshal()
package manifest
