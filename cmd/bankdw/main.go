// Package main is the entry point for bankdw.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/meridianbank/bankdw/internal/cli"
	"github.com/meridianbank/bankdw/internal/etl"
)

func main() {
	err := cli.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	// Partial failures (some sources loaded, some did not) exit 1 so a
	// wrapper can retry just the run; unreachable storage and other fatal
	// conditions exit 2.
	if errors.Is(err, cli.ErrPartial) && !errors.Is(err, etl.ErrStorageUnavailable) {
		os.Exit(1)
	}
	os.Exit(2)
}
