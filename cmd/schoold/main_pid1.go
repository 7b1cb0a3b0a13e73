//go:build !no_psi

// Command schoold runs the school coordination server and its admin
// subcommands. psi supplies signal handling and child reaping when the
// binary runs as PID 1 in a container.
package main

import (
	"context"

	"pkt.systems/psi"
)

func main() {
	psi.Run(func(ctx context.Context) int {
		return submain(ctx)
	})
}
