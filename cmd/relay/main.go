package main

import "github.com/nfrund/communityrelay/cmd/relay/cmd"

func main() {
	cmd.Execute()
}
