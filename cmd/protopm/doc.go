// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the protopm command tree.
package cmd
