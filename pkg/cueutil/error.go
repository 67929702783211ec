// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	stderrors "errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
)

// FormatError flattens a CUE error into "<file>: <path>: <message>" lines,
// e.g. "config.cue: registry.max_attempts: invalid value 0 (out of bound >=1)".
// Errors that are not CUE errors are wrapped with the file name.
func FormatError(err error, filePath string) error {
	if err == nil {
		return nil
	}

	// errors.Errors promotes any error to a one-element list, so only CUE
	// errors take the flattening path.
	var cueErr errors.Error
	if !stderrors.As(err, &cueErr) {
		return fmt.Errorf("%s: %w", filePath, err)
	}
	cueErrors := errors.Errors(err)

	lines := make([]string, 0, len(cueErrors))
	for _, e := range cueErrors {
		path := formatPath(errors.Path(e))
		msg := e.Error()
		if path != "" && strings.HasPrefix(msg, path) {
			msg = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(msg, path), ":"))
		}
		if path != "" {
			msg = path + ": " + msg
		}
		lines = append(lines, msg)
	}

	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", filePath, lines[0])
	}
	return fmt.Errorf("%s: validation failed:\n  %s", filePath, strings.Join(lines, "\n  "))
}

// formatPath renders ["storage", "tokens", "0"] as "storage.tokens[0]".
func formatPath(path []string) string {
	var sb strings.Builder
	for i, part := range path {
		if i > 0 && isIndex(part) {
			sb.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// CheckFileSize rejects documents larger than maxSize bytes.
func CheckFileSize(data []byte, maxSize int64, filename string) error {
	if int64(len(data)) > maxSize {
		return fmt.Errorf("%s: file size %d bytes exceeds maximum %d bytes", filename, len(data), maxSize)
	}
	return nil
}
