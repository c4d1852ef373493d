//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const binLint = "golangci-lint"

// lintDirs are the source trees checked for formatting. _examples and
// bin hold no emen code.
var lintDirs = []string{"cmd", "internal", "pkg", "magefiles"}

// Lint checks formatting, runs go vet and then golangci-lint.
func Lint() error {
	mg.SerialDeps(Fmt, Vet)
	return sh.RunV(binLint, "run", "./cmd/...", "./internal/...", "./pkg/...")
}

// Vet runs go vet over the emen packages.
func Vet() error {
	return sh.RunV(binGo, "vet", "./cmd/...", "./internal/...", "./pkg/...")
}

// Fmt fails when a source file is not gofmt clean and lists the files.
func Fmt() error {
	out, err := sh.Output("gofmt", append([]string{"-l"}, lintDirs...)...)
	if err != nil {
		return err
	}
	if out = strings.TrimSpace(out); out != "" {
		return fmt.Errorf("gofmt needed on:\n%s", out)
	}
	return nil
}
