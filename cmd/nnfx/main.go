// Command nnfx runs and inspects GPU-resident frame filter models.
//
// Usage:
//
//	nnfx run --config nnfx.toml --frames 120 --resize 640x360@60
//	nnfx inspect models/content_style.yaml
//	nnfx topologies
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nnfx:", err)
		os.Exit(1)
	}
}
