// SPDX-License-Identifier: MPL-2.0

// Package testutil provides shared test helpers: an in-memory registry fake
// with call accounting, package builders, and Must* filesystem helpers that
// fail the test on error.
package testutil
