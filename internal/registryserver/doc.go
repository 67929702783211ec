// SPDX-License-Identifier: MPL-2.0

// Package registryserver is a small protopm registry speaking the default
// path layout of the registry client:
//
//	GET /{repository}/{name}/versions               JSON array of versions
//	GET /{repository}/{name}/{name}-{version}.toml  package manifest
//	GET /{repository}/{name}/{name}-{version}.tgz   package archive
//	PUT /{repository}/{name}/{name}-{version}.tgz   publish
//
// Requests authenticate with a bearer token. Published versions are immutable;
// a second publish of the same version answers 409. Archives live in a Storage
// backend: a local directory tree or an S3 bucket. Request counts and
// latencies are exported for Prometheus on /metrics.
package registryserver
