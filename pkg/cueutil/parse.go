// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ParseResult is a decoded document and the unified value it came from.
type ParseResult[T any] struct {
	// Value is the decoded Go struct.
	Value *T

	// Unified is the schema-unified CUE value. Callers use it to read fields
	// that T does not model, or to run extra checks against the schema.
	Unified cue.Value
}

// ParseAndDecode decodes a user CUE document against an embedded schema:
//
//  1. Reject documents larger than the configured maximum size
//  2. Compile the schema and look up the definition at schemaPath
//  3. Compile data and unify it with that definition
//  4. Validate (concrete unless WithConcrete(false)) and decode into T
//
// Parameters:
//   - schema: the embedded schema source (from //go:embed)
//   - data: the user document, e.g. the contents of server.cue
//   - schemaPath: the root definition, e.g. "#Server"
//   - opts: WithFilename, WithMaxFileSize, WithConcrete
//
// Errors from the user document carry the filename and the CUE path of the
// offending field (see FormatError). A schema that fails to compile or lacks
// the definition is an internal error.
func ParseAndDecode[T any](schema, data []byte, schemaPath string, opts ...Option) (*ParseResult[T], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	filename := o.filename
	if filename == "" {
		filename = "<input>"
	}

	if err := CheckFileSize(data, o.maxFileSize, filename); err != nil {
		return nil, err
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileBytes(schema)
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile schema: %w", schemaValue.Err())
	}
	root := schemaValue.LookupPath(cue.ParsePath(schemaPath))
	if root.Err() != nil {
		return nil, fmt.Errorf("internal error: schema definition %s not found: %w", schemaPath, root.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(filename))
	if userValue.Err() != nil {
		return nil, FormatError(userValue.Err(), filename)
	}

	unified := root.Unify(userValue)
	if err := unified.Validate(cue.Concrete(o.concrete)); err != nil {
		return nil, FormatError(err, filename)
	}

	var out T
	if err := unified.Decode(&out); err != nil {
		return nil, FormatError(err, filename)
	}
	return &ParseResult[T]{Value: &out, Unified: unified}, nil
}
