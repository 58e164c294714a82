// Package main is the admin command-line client for a Sekimon gateway.
package main

import "github.com/ashita-ai/sekimon/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
