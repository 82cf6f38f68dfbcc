package main

import (
	"context"
	"os"

	"github.com/nfrund/communityrelay/cmd/relay/cmd"
)

// main runs the relay server directly, for deployments that expect a
// single-purpose binary.
func main() {
	if err := cmd.Serve(context.Background()); err != nil {
		os.Exit(1)
	}
}
