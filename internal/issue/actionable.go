// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ActionableError is a user-facing error: what failed, on which resource,
	// and what the user can do about it.
	//
	//	err := issue.NewErrorContext().
	//		WithOperation("install dependencies").
	//		WithResource("Proto.lock").
	//		WithIssue(issue.LockfileFrozenId).
	//		WithSuggestion("Run 'protopm lock' and commit Proto.lock").
	//		Wrap(cause).
	//		BuildError()
	ActionableError struct {
		// Operation is a verb phrase such as "publish package".
		Operation string
		// Resource names the file, package or registry involved (optional).
		Resource string
		// Suggestions are short remediation hints (optional).
		Suggestions []string
		// Issue links the error to a catalog entry with longer guidance (optional).
		Issue Id
		// Cause is the underlying error.
		Cause error
	}

	// ErrorContext builds an ActionableError step by step. Every With* method
	// returns the receiver so calls chain; Build and BuildError finish the
	// chain and return nil when no operation was set.
	ErrorContext struct {
		// operation is required; without it Build returns nil.
		operation string
		// resource is optional and omitted from the message when empty.
		resource string
		// suggestions accumulate in call order.
		suggestions []string
		// issue is zero when no catalog entry applies.
		issue Id
		cause error
	}
)

// NewErrorContext creates a new ErrorContext builder.
func NewErrorContext() *ErrorContext {
	return &ErrorContext{}
}

// Error renders "failed to <operation>: <resource>: <cause>".
func (e *ActionableError) Error() string {
	parts := []string{"failed to " + e.Operation}
	if e.Resource != "" {
		parts = append(parts, e.Resource)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *ActionableError) Unwrap() error { return e.Cause }

// Format returns the message followed by bulleted suggestions. In verbose
// mode the unwrapped error chain is appended.
func (e *ActionableError) Format(verbose bool) string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	if e.HasSuggestions() {
		sb.WriteByte('\n')
	}
	for _, s := range e.Suggestions {
		fmt.Fprintf(&sb, "\n  • %s", s)
	}
	if !verbose || e.Cause == nil {
		return sb.String()
	}

	sb.WriteString("\n\nError chain:")
	for i, err := 1, e.Cause; err != nil; i, err = i+1, errors.Unwrap(err) {
		fmt.Fprintf(&sb, "\n  %d. %s", i, err)
	}
	return sb.String()
}

func (e *ActionableError) HasSuggestions() bool { return len(e.Suggestions) > 0 }

// WithOperation sets the operation being performed.
func (c *ErrorContext) WithOperation(op string) *ErrorContext {
	c.operation = op
	return c
}

// WithResource sets the resource involved.
func (c *ErrorContext) WithResource(res string) *ErrorContext {
	c.resource = res
	return c
}

// WithSuggestion appends one or more remediation hints.
func (c *ErrorContext) WithSuggestion(sugs ...string) *ErrorContext {
	c.suggestions = append(c.suggestions, sugs...)
	return c
}

// WithIssue links a catalog entry.
func (c *ErrorContext) WithIssue(id Id) *ErrorContext {
	c.issue = id
	return c
}

// Wrap sets the underlying cause.
func (c *ErrorContext) Wrap(err error) *ErrorContext {
	c.cause = err
	return c
}

// Build returns the ActionableError, or nil when no operation was set.
func (c *ErrorContext) Build() *ActionableError {
	if c.operation == "" {
		return nil
	}
	return &ActionableError{
		Operation:   c.operation,
		Resource:    c.resource,
		Suggestions: c.suggestions,
		Issue:       c.issue,
		Cause:       c.cause,
	}
}

// BuildError is Build returning the error interface, so a missing operation
// yields a nil error rather than a typed nil.
func (c *ErrorContext) BuildError() error {
	if ae := c.Build(); ae != nil {
		return ae
	}
	return nil
}
