// Package main is the entry point for the upscaled coordinator.
package main

import (
	"os"

	"github.com/kestrelmedia/upscaled/cmd/upscaled/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
