//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

// Package main provides the mage build targets of emen.
//
// Usage:
//
//	mage build       Compile the emen binary to bin/
//	mage release     Cross-compile pure Go binaries to bin/release/
//	mage test:all    Run every test
//	mage test:race   Run every test with the race detector
//	mage test:cover  Write a coverage profile to bin/
//	mage lint        Check formatting, vet and run golangci-lint
//	mage stats       Print Go LOC per package
//	mage clean       Remove build artifacts
//	mage install     Install emen to GOPATH/bin
//
// EMEN_VERSION overrides the version stamped into the binary and
// EMEN_CGO=0 builds without the cgo sqlite3 driver.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "emen"
	binaryDir  = "bin"
	cmdDir     = "./cmd/emen"
	versionVar = "github.com/mesh-intelligence/emen/internal/cli.Version"
)

// releaseTargets are the GOOS/GOARCH pairs of a release. Cross builds
// carry only the modernc driver since they cannot link cgo.
var releaseTargets = [][2]string{
	{"linux", "amd64"},
	{"linux", "arm64"},
	{"darwin", "arm64"},
	{"windows", "amd64"},
}

// ldflags stamps the release version when EMEN_VERSION is set.
func ldflags() string {
	flags := "-s -w"
	if v := os.Getenv("EMEN_VERSION"); v != "" {
		flags += fmt.Sprintf(" -X %s=%s", versionVar, v)
	}
	return flags
}

func cgoEnabled() string {
	if os.Getenv("EMEN_CGO") == "0" {
		return "0"
	}
	return "1"
}

// Build compiles the emen binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	env := map[string]string{"CGO_ENABLED": cgoEnabled()}
	return sh.RunWithV(env, binGo, "build", "-v", "-ldflags", ldflags(),
		"-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Release cross-compiles emen for every release target into
// bin/release/<os>-<arch>/.
func Release() error {
	for _, tgt := range releaseTargets {
		name := binaryName
		if tgt[0] == "windows" {
			name += ".exe"
		}
		out := filepath.Join(binaryDir, "release", tgt[0]+"-"+tgt[1], name)
		env := map[string]string{"GOOS": tgt[0], "GOARCH": tgt[1], "CGO_ENABLED": "0"}
		if err := sh.RunWithV(env, binGo, "build", "-trimpath", "-ldflags", ldflags(), "-o", out, cmdDir); err != nil {
			return fmt.Errorf("build %s/%s: %w", tgt[0], tgt[1], err)
		}
	}
	return nil
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}
