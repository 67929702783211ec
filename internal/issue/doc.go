// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable, user-facing errors and a catalog of
// markdown guidance for the failures protopm users run into most: broken
// manifests, stale lockfiles, resolution conflicts, integrity failures and
// registry trouble.
package issue
