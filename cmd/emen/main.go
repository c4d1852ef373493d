// Package main provides the emen CLI.
package main

import "github.com/mesh-intelligence/emen/internal/cli"

func main() {
	cli.Execute()
}
