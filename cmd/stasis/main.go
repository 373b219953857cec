// Package main is the entrypoint of the stasis idle daemon and its control
// client.
package main

import "github.com/stasis/stasis/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
