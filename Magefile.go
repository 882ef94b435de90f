//go:build mage
// +build mage

package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Default = Build

func Build() error {
	return sh.Run(mg.GoCmd(), "build", "./...")
}

func Test() error {
	args := []string{"test"}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	args = append(args, "./...")
	return sh.Run(mg.GoCmd(), args...)
}

// Install installs the btrbck command.
// Set $BTRBCK_STATIC for a statically linked binary
// (sqlite3 needs cgo, so this goes through the external linker).
func Install() error {
	mg.Deps(Test)
	args := []string{"install"}
	if os.Getenv("BTRBCK_STATIC") != "" {
		args = append(args, "-ldflags", "-linkmode external -extldflags -static")
	}
	args = append(args, "./cmd/btrbck")
	return sh.Run(mg.GoCmd(), args...)
}
