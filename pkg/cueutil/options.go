// SPDX-License-Identifier: MPL-2.0

package cueutil

// DefaultMaxFileSize bounds CUE documents read from disk.
const DefaultMaxFileSize int64 = 1 << 20

type (
	// Option configures ParseAndDecode.
	Option func(*options)

	options struct {
		filename    string
		maxFileSize int64
		concrete    bool
	}
)

func defaultOptions() options {
	return options{maxFileSize: DefaultMaxFileSize, concrete: true}
}

// WithFilename names the document in error messages.
func WithFilename(name string) Option {
	return func(o *options) { o.filename = name }
}

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFileSize = n
		}
	}
}

// WithConcrete controls whether every field must have a concrete value after
// unification. Schemas with defaults for every optional field can keep the
// default of true.
func WithConcrete(concrete bool) Option {
	return func(o *options) { o.concrete = concrete }
}
