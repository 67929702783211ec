// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/protopm/protopm/cmd/protopm"

func main() {
	cmd.Execute()
}
