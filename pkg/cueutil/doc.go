// SPDX-License-Identifier: MPL-2.0

// Package cueutil compiles CUE documents against an embedded schema and turns
// CUE errors into path-prefixed messages.
//
// Loading a schema-checked file is three steps: compile the schema, unify the
// user document with one of its definitions, then validate and decode:
//
//	//go:embed server_schema.cue
//	var schema []byte
//
//	res, err := cueutil.ParseAndDecode[ServerConfig](schema, data, "#Server",
//	    cueutil.WithFilename("server.cue"))
//	if err != nil {
//	    return nil, err // e.g. "server.cue: storage.kind: 2 errors in empty disjunction"
//	}
//	return res.Value, nil
package cueutil
