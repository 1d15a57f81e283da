package main

import "github.com/cloaklabs/cloak/internal/cli"

func main() {
	cli.Execute()
}
