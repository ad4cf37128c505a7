// Package main is the entry point for the upscaled worker daemon.
package main

import (
	"os"

	"github.com/kestrelmedia/upscaled/cmd/upscaled-worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
